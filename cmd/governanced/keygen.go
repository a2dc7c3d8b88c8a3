package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"governance_engine/pkg/security"
)

func keygenCommand() *cobra.Command {
	var scheme string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an identity key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				kp  *security.KeyPair
				err error
			)
			switch scheme {
			case "ed25519":
				kp, err = security.GenerateKeyPair()
			case "schnorr":
				kp, err = security.GenerateSchnorrKeyPair()
			default:
				return fmt.Errorf("unknown scheme %q (want ed25519 or schnorr)", scheme)
			}
			if err != nil {
				return err
			}
			printKeyPair(kp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&scheme, "scheme", "s", "ed25519", "signature scheme: ed25519 or schnorr")
	return cmd
}
