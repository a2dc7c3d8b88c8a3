package p2p

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	libp2pCrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// loadOrGenerateKey returns the node's Ed25519 identity key. The key in
// keyFile is reused so the peer ID survives restarts; a missing file is
// created, and an empty path yields an ephemeral key.
func loadOrGenerateKey(keyFile string) (libp2pCrypto.PrivKey, error) {
	if keyFile == "" {
		return generateKey()
	}

	keyBytes, err := os.ReadFile(keyFile)
	switch {
	case err == nil:
		priv, err := libp2pCrypto.UnmarshalPrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("unmarshaling private key %s: %w", keyFile, err)
		}
		if priv.Type() != libp2pCrypto.Ed25519 {
			return nil, fmt.Errorf("key %s is %s, want Ed25519", keyFile, priv.Type())
		}
		return priv, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	priv, err := generateKey()
	if err != nil {
		return nil, err
	}
	keyBytes, err = libp2pCrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(keyFile, keyBytes, 0600); err != nil {
		return nil, fmt.Errorf("saving key to file: %w", err)
	}
	return priv, nil
}

func generateKey() (libp2pCrypto.PrivKey, error) {
	priv, _, err := libp2pCrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return priv, nil
}
