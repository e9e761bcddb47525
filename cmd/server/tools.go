package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"oidc-server/internal/keys"
	"oidc-server/internal/utils"
)

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret [secret]",
	Short: "Print the bcrypt hash of a client secret or user password",
	Long: `Print the bcrypt hash of a client secret or user password, suitable for
secret_hash and password_hash in the configuration. The secret is read from
standard input when no argument is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var secret string
		if len(args) == 1 {
			secret = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read secret: %w", err)
			}
			secret = strings.TrimRight(line, "\r\n")
		}
		if secret == "" {
			return fmt.Errorf("secret must not be empty")
		}

		hashed, err := utils.HashSecret(secret)
		if err != nil {
			return fmt.Errorf("failed to hash secret: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(hashed))
		return nil
	},
}

func newGenKeyCmd() *cobra.Command {
	var (
		algorithm string
		out       string
	)
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate a PEM signing key for keys.signing_key_file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := keys.GenerateKey(algorithm, time.Now())
			if err != nil {
				return err
			}
			pemBytes, err := keys.EncodePrivateKeyPEM(key.Private)
			if err != nil {
				return err
			}

			if out == "" {
				_, err = cmd.OutOrStdout().Write(pemBytes)
				return err
			}
			if err := os.WriteFile(out, pemBytes, 0o600); err != nil {
				return fmt.Errorf("failed to write key: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "🔑 Wrote %s key %s to %s\n", key.Algorithm, key.KeyID, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "alg", keys.DefaultAlgorithm, "Signing algorithm (RS256 or ES256)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (defaults to standard output)")
	return cmd
}
