package main

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

	"github.com/PhucNguyen204/evtx-analyzer/internal/server"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/engine"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/pipeline"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the event and finding store over HTTP and accept ingested records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "Listen address (default :8080)")
	f.String("db-dsn", "", "Postgres DSN (required)")
	f.Float64("ingest-rps", 0, "Cap POST /api/v1/ingest requests per second (0 = no cap)")
	addFilterFlags(cmd)
	addRuleFlags(cmd)
	addEnrichFlags(cmd)
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg, log := a.cfg, a.log
	if cfg.Postgres.DSN == "" {
		return errors.New("serve needs a Postgres DSN (--db-dsn or EVTX_POSTGRES_DSN)")
	}

	rs, counts := loadRules(cfg, log)
	// Ingested batches are independent, so there is no run-wide dedup here.
	opts, err := stageOptions(ctx, cfg, log, false)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg.Postgres.DSN, rs, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	api := server.NewAppServer(st, rs, func(rs *engine.RuleSet) *pipeline.Pipeline {
		return withRules(opts, rs)
	}, log)
	api.SetIngestRate(cfg.Server.IngestRPS, cfg.Server.IngestBurst)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("listening", "addr", cfg.Server.Addr, "rules", counts.Total())
		errCh <- srv.ListenAndServe()
	}()
	infoColor.Printf("Listening on %s with %d rules\n", cfg.Server.Addr, counts.Total())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
