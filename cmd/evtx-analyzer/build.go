package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PhucNguyen204/evtx-analyzer/internal/config"
	"github.com/PhucNguyen204/evtx-analyzer/internal/rules"
	"github.com/PhucNguyen204/evtx-analyzer/internal/store"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/dedup"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/engine"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/filter"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/mapper"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/pipeline"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/safelist"
)

func addFilterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("profile", "", "Event id profile: ir-default, ir-minimal, forensics-all (env WIN_EVTX_PROFILE)")
	f.String("event-ids", "", "Extra event ids, comma separated; ID@Channel restricts that channel")
	f.String("only-event-id", "", "Keep only this event id (ID or ID@Channel)")
	f.StringSlice("channels", nil, "Only keep these channels")
	f.String("since", "", "Drop events before this ISO-8601 time")
	f.String("until", "", "Drop events after this ISO-8601 time")
	f.String("filter", "", `Filter expression, e.g. "channel==Security AND event_id==4624"`)
}

func addRuleFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("rules-dir", "", "Directory of native rule files")
	f.String("sigma-dir", "", "Directory of Sigma rule files")
}

func addEnrichFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("maps-dir", "", "Event map directory (default ./maps)")
	f.String("maps-sync", "", "Fetch event maps from this http(s):// or s3:// URL before the run")
	f.String("safelists-dir", "", "Directory of safelist files")
}

func loadRules(cfg *config.Config, log *zap.SugaredLogger) (*engine.RuleSet, rules.Counts) {
	rs := engine.NewRuleSet(engine.WithLogger(log))
	c := rules.LoadDirRecursive(rs, rules.Dirs{
		Native:       cfg.Rules.NativeDir,
		Sigma:        cfg.Rules.SigmaDir,
		FieldMapping: cfg.Rules.FieldMapping,
	}, log)
	log.Infow("rules loaded", "native", c.Native, "sigma", c.Sigma)
	return rs, c
}

// stageOptions builds every pipeline stage except rule evaluation. Map sync
// failures are logged and the run continues on the local maps.
func stageOptions(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, withDedup bool) ([]pipeline.Option, error) {
	spec, err := cfg.FilterSpec()
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}

	m := mapper.New(cfg.Maps.Dir,
		mapper.WithLogger(log),
		mapper.WithS3(mapper.S3Options{
			Region:       cfg.Maps.S3.Region,
			Endpoint:     cfg.Maps.S3.Endpoint,
			UsePathStyle: cfg.Maps.S3.UsePathStyle,
		}),
	)
	m.LoadLocal()
	if cfg.Maps.SyncURL != "" && !m.SyncRemote(ctx, cfg.Maps.SyncURL) {
		warningColor.Println("event map sync failed, using local maps")
	}

	sl := safelist.New(safelist.WithLogger(log))
	if cfg.SafelistDir != "" {
		sl.LoadDir(cfg.SafelistDir)
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(log),
		pipeline.WithFilter(filter.New(spec)),
		pipeline.WithMapper(m),
		pipeline.WithSafelist(sl),
	}
	if withDedup && cfg.Dedup {
		opts = append(opts, pipeline.WithDedup(dedup.New()))
	}
	return opts, nil
}

func withRules(opts []pipeline.Option, rs *engine.RuleSet) *pipeline.Pipeline {
	return pipeline.New(append(opts[:len(opts):len(opts)], pipeline.WithRules(rs))...)
}

// openStore connects, migrates and records the rule catalogue.
func openStore(ctx context.Context, dsn string, rs *engine.RuleSet, log *zap.SugaredLogger) (*store.Store, error) {
	st, err := store.Open(ctx, dsn, log)
	if err != nil {
		return nil, err
	}
	fsys, err := store.Migrations("")
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := st.RunMigrations(ctx, fsys); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for src, list := range rules.BySource(rs) {
		if err := st.UpsertRules(ctx, src, list); err != nil {
			st.Close()
			return nil, err
		}
	}
	return st, nil
}
