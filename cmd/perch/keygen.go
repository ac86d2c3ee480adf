package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/perch-dev/perch/internal/identity"
)

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print the device identity, generating it if missing",
		Long:  "Loads the Ed25519 device keypair, creating one when the key file is missing or unreadable.\nThe device id is a content hash of the public key, so it survives re-imports of the same key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			rotate, _ := cmd.Flags().GetBool("rotate")

			if rotate {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("remove old key: %w", err)
				}
			}

			id, err := identity.LoadOrCreate(path)
			if err != nil {
				return err
			}
			fmt.Printf("device id:  %s\n", id.DeviceID)
			fmt.Printf("public key: %s\n", id.PublicKeyB64())
			fmt.Fprintf(cmd.ErrOrStderr(), "\nkey file: %s\n", path)
			return nil
		},
	}
	cmd.Flags().String("path", defaultDataPath("device.json"), "key file path")
	cmd.Flags().Bool("rotate", false, "discard the existing key and generate a new one")
	return cmd
}
