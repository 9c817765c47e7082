package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ugbridge/internal/authserver"
	"ugbridge/internal/bridge"
	"ugbridge/internal/config"
	"ugbridge/internal/live"
	"ugbridge/internal/metrics"
	"ugbridge/internal/registry"
	"ugbridge/internal/session"
	"ugbridge/internal/upstream"
	"ugbridge/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge",
	Long: `Starts the bridge on the transport selected by MCP_TRANSPORT:

  stdio  Single-tenant mode. Uses UG_USERNAME/UG_PASSWORD from the
         environment and speaks MCP over stdin/stdout.
  http   Multi-tenant mode. Serves MCP over streamable HTTP behind the
         OAuth authorization server, with identities resolved from the
         user registry file.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel), os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Transport {
	case config.TransportStdio:
		return serveStdio(ctx, cfg)
	case config.TransportHTTP:
		return serveHTTP(ctx, cfg)
	default:
		return fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func serveStdio(ctx context.Context, cfg *config.Config) error {
	gateways := session.NewStore(nil)
	fallback := upstream.New(cfg.OfficeURL, cfg.Username, cfg.Password)
	gateways.PutFallback(fallback)

	browsers := session.NewBrowserStore(nil)
	liveMgr := live.NewManager(cfg.LiveURL)
	connectLive(ctx, liveMgr, fallback)

	b := bridge.New(cfg, nil, gateways, browsers, liveMgr, metrics.New())
	defer teardown(liveMgr, gateways, browsers, nil)

	return b.ServeStdio(ctx)
}

func serveHTTP(ctx context.Context, cfg *config.Config) error {
	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("load user registry: %w", err)
	}
	logging.Info("Serve", "Loaded %d identities from %s", reg.Count(), cfg.RegistryPath)

	m := metrics.New()
	provider := authserver.NewProvider(reg, authserver.Options{
		IssuerURL:       cfg.IssuerURL,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		AuthCodeTTL:     cfg.AuthCodeTTL,
		Metrics:         m,
	})

	gateways := session.NewStore(reg)
	browsers := session.NewBrowserStore(reg)
	liveMgr := live.NewManager(cfg.LiveURL)

	// Environment credentials are optional in multi-tenant mode. When
	// present they back the live feed connection.
	if cfg.Username != "" {
		fallback := upstream.New(cfg.OfficeURL, cfg.Username, cfg.Password)
		gateways.PutFallback(fallback)
		connectLive(ctx, liveMgr, fallback)
	}

	b := bridge.New(cfg, provider, gateways, browsers, liveMgr, m)
	defer teardown(liveMgr, gateways, browsers, provider)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           b.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("Serve", "Listening on %s", cfg.ListenAddr())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// connectLive attaches the real-time feed using the fallback gateway's
// upstream token. Failure leaves live tools unavailable but is not fatal.
func connectLive(ctx context.Context, mgr *live.Manager, client *upstream.Client) {
	token, err := client.Auth().Token(ctx, client.HTTPClient())
	if err != nil {
		logging.Warn("Serve", "Live feed login failed, live tools unavailable: %v", err)
		return
	}
	if err := mgr.Connect(ctx, token); err != nil {
		logging.Warn("Serve", "Live feed connection failed, live tools unavailable: %v", err)
	}
}

func teardown(liveMgr *live.Manager, gateways *session.Store, browsers *session.BrowserStore, provider *authserver.Provider) {
	liveMgr.Disconnect()
	gateways.CloseAll()
	browsers.CloseAll()
	if provider != nil {
		provider.Stop()
	}
	logging.Info("Serve", "Shutdown complete")
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
