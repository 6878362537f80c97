package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/PhucNguyen204/evtx-analyzer/internal/sink"
	"github.com/PhucNguyen204/evtx-analyzer/internal/source"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/engine"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/pipeline"
)

func (a *app) scanCmd() *cobra.Command {
	var progress bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run normalized records through filters, maps and rules",
		Example: `  evtx-analyzer scan -i events.jsonl --sigma-dir rules/sigma -o out/run1
  evtx-parser dump Security.evtx | evtx-analyzer scan --only-event-id 4625@Security --formats jsonl,csv -o out/fails`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.scan(ctx, cmd.OutOrStdout(), progress)
		},
	}
	f := cmd.Flags()
	f.StringP("input", "i", "", `JSON-lines file of normalized records, "-" for stdin`)
	f.Bool("dedup", false, "Drop repeated channel|event_id|record_id|timestamp records")
	f.StringP("output", "o", "", "Output prefix for events (<prefix>.jsonl, <prefix>.csv)")
	f.String("findings-output", "", "Output prefix for findings (defaults to --output)")
	f.StringSlice("formats", nil, "Output formats: jsonl, csv (default jsonl)")
	f.String("db-dsn", "", "Also store events and findings in this Postgres database")
	f.StringSlice("kafka-brokers", nil, "Also publish events and findings to these Kafka brokers")
	f.BoolVar(&progress, "progress", true, "Show a progress spinner")
	addFilterFlags(cmd)
	addRuleFlags(cmd)
	addEnrichFlags(cmd)
	return cmd
}

func (a *app) scan(ctx context.Context, out io.Writer, progress bool) error {
	cfg, log := a.cfg, a.log
	runID := uuid.NewString()
	log = log.With("run_id", runID)

	rs, counts := loadRules(cfg, log)
	opts, err := stageOptions(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	p := withRules(opts, rs)

	src, err := source.Open(cfg.Input, log)
	if err != nil {
		return err
	}
	defer src.Close()

	sinks, cleanup, err := a.openSinks(ctx, runID, rs)
	if err != nil {
		return err
	}
	defer cleanup()
	t := newTally()
	sinks = append(sinks, t)

	var s *spinner.Spinner
	if progress {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		s.Suffix = " Scanning events..."
		s.Start()
	}
	start := time.Now()
	st, runErr := p.Run(ctx, src, sinks)
	if s != nil {
		s.Stop()
	}
	closeErr := sinks.Close()

	printSummary(out, runID, counts.Total(), src.Skipped, st, t, time.Since(start))
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if errors.Is(runErr, context.Canceled) {
		warningColor.Fprintln(out, "interrupted, results are partial")
	}
	if closeErr != nil {
		return fmt.Errorf("close outputs: %w", closeErr)
	}
	return nil
}

// openSinks opens every configured output. cleanup releases what the sinks
// themselves do not own.
func (a *app) openSinks(ctx context.Context, runID string, rs *engine.RuleSet) (sink.Multi, func(), error) {
	cfg, log := a.cfg, a.log
	cleanup := func() {}

	var out sink.Multi
	if cfg.Output.Prefix != "" || cfg.Output.FindingsPrefix != "" {
		files, err := sink.OpenFiles(cfg.Output.Formats, cfg.Output.Prefix, cfg.Output.FindingsPrefix)
		if err != nil {
			return nil, cleanup, err
		}
		out = append(out, files...)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		w := sink.NewKafkaWriter(cfg.Kafka.Brokers, log)
		out = append(out, sink.NewKafka(w, cfg.Kafka.EventsTopic, cfg.Kafka.FindingsTopic))
	}
	if cfg.Postgres.DSN != "" {
		st, err := openStore(ctx, cfg.Postgres.DSN, rs, log)
		if err != nil {
			out.Close()
			return nil, cleanup, fmt.Errorf("store: %w", err)
		}
		out = append(out, sink.NewStore(st, runID))
		cleanup = func() { st.Close() }
	}
	return out, cleanup, nil
}

// tally counts findings per rule for the run summary.
type tally struct {
	sink.Discard
	byRule   map[string]int
	severity map[string]string
}

func newTally() *tally {
	return &tally{byRule: map[string]int{}, severity: map[string]string{}}
}

func (t *tally) WriteFinding(_ context.Context, f event.Finding) error {
	t.byRule[f.RuleID]++
	t.severity[f.RuleID] = f.Severity
	return nil
}

type ruleCount struct {
	id, severity string
	n            int
}

func (t *tally) top(n int) []ruleCount {
	out := make([]ruleCount, 0, len(t.byRule))
	for id, c := range t.byRule {
		out = append(out, ruleCount{id: id, severity: t.severity[id], n: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].id < out[j].id
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func printSummary(w io.Writer, runID string, rulesLoaded, skipped int, st pipeline.Stats, t *tally, took time.Duration) {
	headerColor.Fprintf(w, "\nScan %s\n", runID)
	fmt.Fprintf(w, "  Rules loaded:        %d\n", rulesLoaded)
	fmt.Fprintf(w, "  Records read:        %d", st.Seen)
	if skipped > 0 {
		warningColor.Fprintf(w, " (%d malformed lines skipped)", skipped)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Filtered out:        %d\n", st.Rejected)
	fmt.Fprintf(w, "  Duplicates:          %d\n", st.Duplicates)
	fmt.Fprintf(w, "  Events kept:         %d\n", st.Emitted)
	fmt.Fprintf(w, "  Safelisted events:   %d\n", st.SafelistedEvents)
	fmt.Fprintf(w, "  Suppressed findings: %d\n", st.SuppressedFindings)
	if st.Findings == 0 {
		successColor.Fprintf(w, "  Findings:            0\n")
	} else {
		errorColor.Fprintf(w, "  Findings:            %d\n", st.Findings)
		for _, rc := range t.top(10) {
			fmt.Fprintf(w, "    %-40s %s %d\n", rc.id, severityColor(rc.severity).Sprint(rc.severity), rc.n)
		}
	}
	infoColor.Fprintf(w, "  Took %s\n", took.Round(time.Millisecond))
}
