package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fourclicks/deployd/pkg/credentials"
)

func newKeysCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored SSH keys",
		Long: `Manage the SSH keys tasks use to reach their targets.

Private keys are stored encrypted with the server secret from
SSH_KEY_ENCRYPTION_KEY, combined with the optional passphrase.`,
	}
	cmd.AddCommand(newKeysGenerateCommand(g))
	cmd.AddCommand(newKeysImportCommand(g))
	cmd.AddCommand(newKeysRotateCommand(g))
	cmd.AddCommand(newKeysListCommand(g))
	cmd.AddCommand(newKeysFingerprintCommand())
	return cmd
}

// withKeys runs fn with a key service on the configured database.
func withKeys(cmd *cobra.Command, g *globals, fn func(*app, *credentials.KeyService) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())

	keys, err := a.keyService()
	if err != nil {
		return err
	}
	return fn(a, keys)
}

func printKey(cmd *cobra.Command, g *globals, rec *credentials.Record) error {
	return printTable(cmd.OutOrStdout(), g.jsonOutput, []*credentials.Record{rec},
		[]string{"ID", "NAME", "TYPE", "FINGERPRINT"},
		func(r *credentials.Record) []string {
			return []string{strconv.FormatInt(r.ID, 10), r.Name, string(r.Kind), r.Fingerprint}
		})
}

func newKeysGenerateCommand(g *globals) *cobra.Command {
	var (
		kind       string
		bits       int
		passphrase string
		hint       string
	)

	cmd := &cobra.Command{
		Use:   "generate <name>",
		Short: "Generate and store a new key",
		Example: `  deployd keys generate deploy
  deployd keys generate legacy --type rsa --bits 4096 --passphrase s3cret`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd, g, func(_ *app, keys *credentials.KeyService) error {
				rec, err := keys.Generate(cmd.Context(), credentials.GenerateRequest{
					Name:           args[0],
					Kind:           credentials.KeyKind(kind),
					Bits:           bits,
					Passphrase:     passphrase,
					PassphraseHint: hint,
				})
				if err != nil {
					return err
				}
				if err := printKey(cmd, g, rec); err != nil {
					return err
				}
				if !g.jsonOutput {
					fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", rec.PublicKey)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&kind, "type", string(credentials.KeyKindED25519), "key type (ed25519, rsa)")
	cmd.Flags().IntVar(&bits, "bits", 0, "RSA key size (2048, 3072, 4096)")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "extra passphrase for the stored key")
	cmd.Flags().StringVar(&hint, "hint", "", "passphrase hint")
	return cmd
}

func newKeysImportCommand(g *globals) *cobra.Command {
	var (
		publicKeyFile string
		passphrase    string
		hint          string
	)

	cmd := &cobra.Command{
		Use:     "import <name> <private-key-file>",
		Short:   "Store an existing private key",
		Example: `  deployd keys import deploy ~/.ssh/id_ed25519 --public-key ~/.ssh/id_ed25519.pub`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			private, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read private key: %w", err)
			}
			var public string
			if publicKeyFile != "" {
				data, err := os.ReadFile(publicKeyFile)
				if err != nil {
					return fmt.Errorf("failed to read public key: %w", err)
				}
				public = string(data)
			}
			return withKeys(cmd, g, func(_ *app, keys *credentials.KeyService) error {
				rec, err := keys.Import(cmd.Context(), credentials.ImportRequest{
					Name:           args[0],
					PrivateKey:     private,
					PublicKey:      public,
					Passphrase:     passphrase,
					PassphraseHint: hint,
				})
				if err != nil {
					return err
				}
				return printKey(cmd, g, rec)
			})
		},
	}

	cmd.Flags().StringVar(&publicKeyFile, "public-key", "", "public key file checked against the private key")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase of the private key")
	cmd.Flags().StringVar(&hint, "hint", "", "passphrase hint")
	return cmd
}

func newKeysRotateCommand(g *globals) *cobra.Command {
	var passphrase string

	cmd := &cobra.Command{
		Use:   "rotate <id>",
		Short: "Replace a key with a new one of the same type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid credential id %q", args[0])
			}
			return withKeys(cmd, g, func(_ *app, keys *credentials.KeyService) error {
				rec, err := keys.Rotate(cmd.Context(), id, passphrase)
				if err != nil {
					return err
				}
				if err := printKey(cmd, g, rec); err != nil {
					return err
				}
				if !g.jsonOutput {
					fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", rec.PublicKey)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&passphrase, "passphrase", "", "extra passphrase for the new key")
	return cmd
}

func newKeysListCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			recs, err := a.store.ListCredentials(cmd.Context())
			if err != nil {
				return err
			}
			return printTable(cmd.OutOrStdout(), g.jsonOutput, recs,
				[]string{"ID", "NAME", "TYPE", "FINGERPRINT", "LAST USED"},
				func(r *credentials.Record) []string {
					used := "never"
					if r.LastUsedAt != nil {
						used = r.LastUsedAt.Format("2006-01-02 15:04:05")
					}
					return []string{strconv.FormatInt(r.ID, 10), r.Name, string(r.Kind), r.Fingerprint, used}
				})
		},
	}
}

func newKeysFingerprintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <public-key-file>",
		Short: "Print the SHA256 fingerprint of a public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read public key: %w", err)
			}
			fp, err := credentials.Fingerprint(string(data))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), fp)
			return nil
		},
	}
}
