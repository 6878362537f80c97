package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/PhucNguyen204/evtx-analyzer/internal/config"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// app carries what every subcommand resolves before it runs.
type app struct {
	configFile string
	noColor    bool

	cfg    *config.Config
	logger *zap.Logger
	log    *zap.SugaredLogger
}

func main() {
	a := &app{}
	if err := a.rootCmd().Execute(); err != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "evtx-analyzer",
		Short: "Filter, enrich and run detection rules over normalized Windows event records",
		Long: `evtx-analyzer reads Windows event records already normalized to JSON lines,
filters them by profile, event id, channel, time window and expression, enriches
them from event maps, and evaluates native and Sigma rules against what remains.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.configFile, "config", "", "Config file path (yaml)")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().Bool("debug", false, "Verbose development logging")

	root.AddCommand(a.scanCmd())
	root.AddCommand(a.serveCmd())
	root.AddCommand(a.rulesCmd())
	return root
}

// setup loads configuration with the running command's flags bound over
// environment, file and defaults, then builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.noColor {
		color.NoColor = true
	}
	v, err := config.New(a.configFile)
	if err != nil {
		return err
	}
	for name, key := range config.FlagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	if a.cfg, err = config.Load(v); err != nil {
		return err
	}
	if a.logger, err = newLogger(a.cfg.Debug); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.log = a.logger.Sugar()
	if f := v.ConfigFileUsed(); f != "" {
		a.log.Debugw("config file loaded", "path", f)
	}
	return nil
}

// newLogger writes to stderr so stdout stays free for results.
func newLogger(debug bool) (*zap.Logger, error) {
	if !debug {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		return cfg.Build()
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeCaller = zapcore.ShortCallerEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), zapcore.DebugLevel)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

const shutdownTimeout = 10 * time.Second
