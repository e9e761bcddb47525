package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"oidc-server/internal/models"
	"oidc-server/internal/storage"
	"oidc-server/internal/store"
	"oidc-server/internal/utils"
)

func newClientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage clients persisted in storage",
		Long: `Manage clients persisted in storage. Persisted clients are merged with the
clients in the configuration file; a running server picks up changes on SIGHUP.`,
	}
	cmd.AddCommand(newClientsListCmd(), newClientsAddCmd(), newClientsDeleteCmd())
	return cmd
}

// withClientRecords opens the configured storage for the duration of fn
func withClientRecords(cmd *cobra.Command, fn func(ctx context.Context, records *store.ClientRecords) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	configureLogger(cfg.Logging)
	if cfg.Database.Type == "memory" {
		return fmt.Errorf("clients cannot be persisted with the memory storage backend")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	backend, err := storage.NewStorage(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer backend.Close()

	return fn(ctx, store.NewClientRecords(backend))
}

func newClientsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClientRecords(cmd, func(ctx context.Context, records *store.ClientRecords) error {
				clients, err := records.List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CLIENT ID\tNAME\tTYPE\tGRANTS\tSCOPES")
				for _, c := range clients {
					kind := "confidential"
					if c.IsPublic() {
						kind = "public"
					}
					grants := make([]string, 0, len(c.AllowedGrantTypes))
					for _, gt := range c.AllowedGrantTypes {
						grants = append(grants, string(gt))
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, kind,
						strings.Join(grants, ","), strings.Join(c.AllowedScopes, " "))
				}
				return w.Flush()
			})
		},
	}
}

func newClientsAddCmd() *cobra.Command {
	var (
		client     models.Client
		secret     string
		grantTypes []string
		lifetime   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or replace a persisted client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, gt := range grantTypes {
				client.AllowedGrantTypes = append(client.AllowedGrantTypes, models.GrantType(gt))
			}
			client.AccessTokenLifetime = lifetime
			if secret != "" {
				hashed, err := utils.HashSecret(secret)
				if err != nil {
					return fmt.Errorf("failed to hash secret: %w", err)
				}
				client.SecretHash = hashed
			}

			return withClientRecords(cmd, func(ctx context.Context, records *store.ClientRecords) error {
				if err := records.Save(ctx, &client); err != nil {
					return err
				}
				log.Printf("✅ Saved client %s", client.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&client.ID, "id", "", "Client identifier")
	cmd.Flags().StringVar(&client.Name, "name", "", "Display name shown on the consent page")
	cmd.Flags().StringVar(&secret, "secret", "", "Client secret; omit for a public client")
	cmd.Flags().StringSliceVar(&grantTypes, "grant-type", []string{string(models.GrantTypeAuthorizationCode)}, "Allowed grant types")
	cmd.Flags().StringSliceVar(&client.RedirectURIs, "redirect-uri", nil, "Registered redirect URIs")
	cmd.Flags().StringSliceVar(&client.PostLogoutRedirectURIs, "post-logout-redirect-uri", nil, "Registered post-logout redirect URIs")
	cmd.Flags().StringSliceVar(&client.AllowedScopes, "scope", nil, "Allowed scopes")
	cmd.Flags().StringSliceVar(&client.AllowedCORSOrigins, "cors-origin", nil, "Allowed browser origins")
	cmd.Flags().BoolVar(&client.RequirePKCE, "require-pkce", true, "Require PKCE on the authorization code grant")
	cmd.Flags().BoolVar(&client.RequireConsent, "require-consent", false, "Ask the user for consent")
	cmd.Flags().DurationVar(&lifetime, "access-token-lifetime", 0, "Access token lifetime override")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newClientsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <client-id>",
		Short: "Delete a persisted client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClientRecords(cmd, func(ctx context.Context, records *store.ClientRecords) error {
				if err := records.Delete(ctx, args[0]); err != nil {
					return err
				}
				log.Printf("🗑️ Deleted client %s", args[0])
				return nil
			})
		},
	}
}
