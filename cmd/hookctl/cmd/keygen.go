package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/austindbirch/parcelhook/internal/auth"
)

var (
	keygenBits int
	keygenOut  string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA key pair for relay identity tokens",
	Long: `Generate an RSA key pair. The private key goes in RELAY_SIGNING_KEY and
the public key in PROCESSOR_TOKEN_PUBLIC_KEY.

With --out, <dir>/relay.key and <dir>/relay.pub are written; otherwise both
PEM blocks are printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		priv, pub, err := auth.GenerateKeyPair(keygenBits)
		if err != nil {
			return err
		}
		if keygenOut == "" {
			_, _ = cmd.OutOrStdout().Write(priv)
			_, _ = cmd.OutOrStdout().Write(pub)
			return nil
		}

		if err := os.MkdirAll(keygenOut, 0o700); err != nil {
			return err
		}
		privPath := filepath.Join(keygenOut, "relay.key")
		pubPath := filepath.Join(keygenOut, "relay.pub")
		if err := os.WriteFile(privPath, priv, 0o600); err != nil {
			return err
		}
		if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", privPath, pubPath)
		return nil
	},
}

func init() {
	keygenCmd.Flags().IntVar(&keygenBits, "bits", 2048, "RSA key size")
	keygenCmd.Flags().StringVar(&keygenOut, "out", "", "directory to write relay.key and relay.pub")
	rootCmd.AddCommand(keygenCmd)
}
