package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeygenCommand(t *testing.T) {
	for _, scheme := range []string{"ed25519", "schnorr"} {
		t.Run(scheme, func(t *testing.T) {
			cmd := keygenCommand()
			cmd.SetArgs([]string{"--scheme", scheme})
			require.NoError(t, cmd.Execute())
		})
	}

	t.Run("UnknownScheme", func(t *testing.T) {
		cmd := keygenCommand()
		cmd.SilenceUsage = true
		cmd.SetArgs([]string{"-s", "rsa"})
		assert.Error(t, cmd.Execute())
	})
}
