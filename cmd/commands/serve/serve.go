package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nodewarden/internal/allocations"
	"nodewarden/internal/api"
	"nodewarden/internal/config"
	"nodewarden/internal/daemon"
	"nodewarden/internal/domain"
	"nodewarden/internal/inventory"
	"nodewarden/internal/provision"
	"nodewarden/internal/statscache"

	"github.com/spf13/cobra"
)

// NewCommand returns a cobra.Command that runs the control-plane API.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control-plane HTTP API",
		Long: `Start the nodewarden control plane.

The server exposes the inventory and provisioning API, talks to node
agents over their HTTP APIs, and persists state in a local SQLite
database. It shuts down gracefully on SIGINT or SIGTERM.

Examples:
  nodewarden serve
  nodewarden serve --listen :9000 --config /etc/nodewarden/config.json`,
		RunE:         runServe,
		SilenceUsage: true,
	}

	cmd.Flags().String("config", "", "Path to config file (overrides default)")
	cmd.Flags().String("listen", "", "Listen address (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	if path := cmd.Flag("config").Value.String(); path != "" {
		config.SetPath(path)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	listen := cfg.Listen
	if flagListen, _ := cmd.Flags().GetString("listen"); flagListen != "" {
		listen = flagListen
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	repo, err := inventory.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open inventory database: %w", err)
	}
	defer repo.Close()

	agentCfg := cfg.AgentConfig()
	assign := allocations.NewAssignmentService(repo, cfg.RangePolicy())
	deletion := allocations.NewDeletionService(repo)
	selector := allocations.NewAutoSelector(repo)
	coordinator := provision.NewCoordinator(repo, selector, &provision.DaemonAgent{Config: agentCfg}, log)

	fetch := func(ctx context.Context, serverID string) (*domain.ResourceUsage, error) {
		server, err := repo.GetServer(ctx, serverID)
		if err != nil {
			return nil, err
		}
		node, err := repo.GetNode(ctx, server.NodeID)
		if err != nil {
			return nil, err
		}
		return daemon.NewServerChannel(node, server.UUID, agentCfg).Details(ctx)
	}
	stats := statscache.New(fetch, cfg.StatsTTL())

	handler := api.New(repo, assign, deletion, coordinator, stats, agentCfg, log)

	srv := &http.Server{
		Addr:              listen,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("control plane listening", "addr", listen, "database", cfg.DatabasePath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
