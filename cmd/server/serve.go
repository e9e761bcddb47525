package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"oidc-server/internal/auth"
	"oidc-server/internal/flows"
	"oidc-server/internal/handlers"
	"oidc-server/internal/keys"
	"oidc-server/internal/metrics"
	"oidc-server/internal/registry"
	"oidc-server/internal/server"
	"oidc-server/internal/session"
	"oidc-server/internal/storage"
	"oidc-server/internal/store"
	"oidc-server/internal/upstream"
	"oidc-server/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long: `Start the authorization server. Send SIGHUP to re-read the configuration
file and reload client and scope definitions; other settings need a restart.
SIGINT or SIGTERM shuts the server down gracefully.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("❌ failed to load configuration: %w", err)
	}
	configureLogger(cfg.Logging)

	log.Printf("🚀 Starting OIDC server %s (issuer %s)", handlers.Version, cfg.Server.Issuer)
	log.Printf("🔧 Log Level: %s, Format: %s, Storage: %s", cfg.Logging.Level, cfg.Logging.Format, cfg.Database.Type)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewMetricsCollector(reg)

	backend, err := storage.NewStorage(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warnf("⚠️ Failed to close storage: %v", err)
		}
	}()

	keyManager, err := keys.NewManager(keys.ManagerConfig{
		Algorithm:        cfg.Keys.Algorithm,
		Retention:        config.Seconds(cfg.Keys.RetentionSeconds),
		KeyDir:           cfg.Keys.Dir,
		SigningKeyFile:   cfg.Keys.SigningKeyFile,
		FallbackKeyFiles: cfg.Keys.FallbackKeyFiles,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize signing keys: %w", err)
	}
	codec := keys.NewCodec(keyManager, cfg.Server.Issuer, config.Seconds(cfg.Security.ClockSkewSeconds))

	clients, err := registry.New(ctx, log,
		registry.NewReloadingConfigSource(cfg, func() (*config.Config, error) { return loadConfig(cmd) }),
		registry.NewRecordSource(store.NewClientRecords(backend)),
	)
	if err != nil {
		return fmt.Errorf("failed to load client registry: %w", err)
	}
	mc.UpdateRegisteredClients(clients.ClientCount())

	sessions, err := session.NewManager(backend, session.Config{
		Secret:          []byte(cfg.Security.SessionSecret),
		IdleTimeout:     config.Seconds(cfg.Security.SessionIdleTimeoutSeconds),
		AbsoluteTimeout: config.Seconds(cfg.Security.SessionAbsoluteTimeoutSeconds),
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize sessions: %w", err)
	}

	users, err := auth.NewUserDirectory(cfg.Users)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}

	interactionTimeout := config.Seconds(cfg.Security.InteractionTimeoutSeconds)
	var bridge *upstream.Bridge
	var providers []flows.Provider
	if len(cfg.Upstream) > 0 {
		bridge = upstream.NewBridge(cfg.Upstream,
			store.NewUpstreamStateStore(backend, interactionTimeout),
			&http.Client{Timeout: 30 * time.Second}, log, mc)
		for _, p := range bridge.Providers() {
			providers = append(providers, flows.Provider{Name: p.Name(), DisplayName: p.DisplayName()})
		}
		log.Printf("🔗 %d upstream provider(s) configured", len(providers))
	}

	engine := flows.New(flows.Config{
		Issuer:               cfg.Server.Issuer,
		AccessTokenTTL:       config.Seconds(cfg.Security.TokenExpirySeconds),
		IDTokenTTL:           config.Seconds(cfg.Security.IDTokenExpirySeconds),
		RefreshTokenTTL:      config.Seconds(cfg.Security.RefreshTokenExpirySeconds),
		CodeTTL:              config.Seconds(cfg.Security.AuthorizationCodeExpirySeconds),
		RevokeGrantsOnLogout: cfg.Security.RevokeGrantsOnLogout,
	}, flows.Deps{
		Registry:     clients,
		Codec:        codec,
		Grants:       backend,
		Sessions:     sessions,
		Interactions: store.NewInteractionStore(backend, interactionTimeout),
		Consents:     store.NewConsentStore(backend),
		Profiles:     store.NewProfileStore(backend),
		Users:        users,
		Providers:    providers,
		Metrics:      mc,
		Logger:       log,
	})

	h := handlers.NewHandler(engine, bridge, handlers.CookieConfig{
		Name:        session.CookieName,
		BindingName: session.BindingCookieName,
		Secure:      cfg.Security.SecureCookies,
	}, backend, log)
	srv := server.New(cfg.Server, h, clients, mc, reg, log)

	sweeper := storage.NewSweeper(backend, config.Seconds(cfg.Database.SweepIntervalSeconds), log)
	sweeper.OnSweep = mc.RecordSweep

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		keyManager.RunRotation(gctx, config.Seconds(cfg.Keys.RotationIntervalSeconds), func(*keys.SigningKey) {
			mc.RecordKeyRotation()
		})
		return nil
	})
	g.Go(func() error {
		reloadOnHangup(gctx, clients, mc)
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Println("👋 Server stopped")
	return nil
}

// reloadOnHangup reloads the client registry on every SIGHUP until ctx is cancelled
func reloadOnHangup(ctx context.Context, clients *registry.Registry, mc *metrics.MetricsCollector) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			log.Println("🔄 SIGHUP received, reloading client registry")
			if err := clients.Reload(ctx); err == nil {
				mc.UpdateRegisteredClients(clients.ClientCount())
			}
		}
	}
}
