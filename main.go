package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/saworbit/logchurn/internal/logging"
	"github.com/saworbit/logchurn/internal/metrics"
	"github.com/saworbit/logchurn/pkg/cas"
	"github.com/saworbit/logchurn/pkg/churn"
	"github.com/saworbit/logchurn/pkg/config"
	"github.com/saworbit/logchurn/pkg/extract"
	"github.com/saworbit/logchurn/pkg/observe"
	"github.com/saworbit/logchurn/pkg/recorder"
)

var version = "dev"

// exitError carries a process exit status for failures that have already
// been reported to the user.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
	stdout  io.Writer
	stderr  io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		v:      config.NewViper(),
		logger: zap.NewNop(),
		stdout: stdout,
		stderr: stderr,
	}
	d := config.DefaultConfig()

	root := &cobra.Command{
		Use:           "logchurn",
		Short:         "logchurn - log directory churn generator and marker extractor",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default: ./.logchurn.yaml)")
	root.PersistentFlags().String(config.KeyLogLevel, d.Log.Level, "log level: debug, info, warn, error")
	root.PersistentFlags().String(config.KeyLogFormat, d.Log.Format, "log format: console, json")

	root.AddCommand(a.newGenerateCmd(d), a.newExtractCmd(d), a.newJournalCmd(d))
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", a.cfgFile, err)
		}
	} else {
		a.v.AddConfigPath(".")
		a.v.SetConfigName(".logchurn")
		a.v.SetConfigType("yaml")
		var notFound viper.ConfigFileNotFoundError
		if err := a.v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	a.cfg = config.Load(a.v)
	if err := a.cfg.Log.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(a.cfg.Log.Level, a.cfg.Log.Format)
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func (a *app) newGenerateCmd(d *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Seed a directory with log files, churn it, then append final markers",
		Long: `Seed a directory with log_<N>.txt files, apply weighted random
write/create/delete/rotate operations for a fixed duration, then append
"Final number2: <i>" to every surviving file in lexicographic order.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runGenerate(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.String(config.KeyDir, d.Churn.Dir, "Working directory for log files")
	f.Int(config.KeyFiles, d.Churn.InitialFiles, "Number of files to seed")
	f.Duration(config.KeyDuration, d.Churn.Duration, "Churn duration")
	f.Duration(config.KeyOpDelay, d.Churn.OpDelay, "Delay between operations")
	f.Duration(config.KeyDrain, d.Churn.DrainPause, "Pause between churn and finalization")
	f.Float64(config.KeyWeightWrite, d.Churn.Weights.Write, "Relative weight of write")
	f.Float64(config.KeyWeightCreate, d.Churn.Weights.Create, "Relative weight of create")
	f.Float64(config.KeyWeightDelete, d.Churn.Weights.Delete, "Relative weight of delete")
	f.Float64(config.KeyWeightRotate, d.Churn.Weights.Rotate, "Relative weight of rotate")
	f.Uint64(config.KeySeed, d.Churn.Seed, "Random seed (0 seeds from the clock)")
	f.Int(config.KeyWorkers, d.Churn.Workers, "Parallel churn workers")
	f.String(config.KeyJournalDir, d.Churn.JournalDir, "Record operations into a pebble journal in this directory")
	f.Bool(config.KeyArchiveRotated, d.Churn.ArchiveRotated, "Archive content discarded by rotation (requires --journal-dir)")
	f.String(config.KeyHashAlgo, d.Churn.HashAlgo, "Archive hash algorithm: sha256, blake3")
	f.Bool(config.KeyObserve, d.Churn.Observe, "Count file-system events in the working directory")
	f.String(config.KeyMetricsAddr, d.Churn.MetricsAddr, "Serve Prometheus metrics on this address")
	return cmd
}

func (a *app) runGenerate(parent context.Context) error {
	cfg := a.cfg.Churn
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("churn config invalid: %w", err)
	}
	logger := a.logger.Named("churn")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []churn.Option{churn.WithLogger(logger)}

	if cfg.JournalDir != "" {
		journal, err := recorder.Open(cfg.JournalDir)
		if err != nil {
			return err
		}
		defer func() {
			if err := journal.Close(); err != nil {
				a.logger.Warn("close journal", zap.Error(err))
			}
		}()
		opts = append(opts, churn.WithJournal(journal))

		if cfg.ArchiveRotated {
			store, err := cas.NewStore(journal.DB(), cfg.HashAlgo)
			if err != nil {
				return err
			}
			opts = append(opts, churn.WithArchive(store))
		}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, a.logger.Named("metrics")); err != nil {
				a.logger.Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}
	defer metrics.SetUp(false)

	g, err := churn.New(cfg, opts...)
	if err != nil {
		return err
	}

	if cfg.Observe {
		if err := g.Dir().Ensure(); err != nil {
			return err
		}
		obs, err := observe.New(g.Dir().Root(), g.Dir().Naming(), a.logger.Named("observe"))
		if err != nil {
			return err
		}
		obs.Start(ctx)
		defer func() {
			_ = obs.Close()
			c := obs.Counts()
			a.logger.Info("observed file-system events",
				zap.Int("create", c.Create),
				zap.Int("write", c.Write),
				zap.Int("remove", c.Remove),
				zap.Int("rename", c.Rename),
				zap.Int("total", c.Total()))
		}()
	}

	start := time.Now()
	res, err := g.Run(ctx)
	if err != nil {
		return err
	}

	if res.Interrupted {
		fmt.Fprintln(a.stdout, "Churn interrupted; surviving files were finalized")
	}
	fmt.Fprintf(a.stdout, "Finalized %d files in %s (seed %d, %d operations applied)\n",
		len(res.Final), g.Dir().Root(), res.Seed, res.Stats.Applied())
	fmt.Fprintf(a.stdout, "Fingerprint: %s\n", res.Fingerprint)
	a.logger.Debug("run complete", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (a *app) newExtractCmd(d *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract [path]",
		Short: "Print every \"Final number2: <n>\" marker in a file and the match count",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Extract.Path
			if len(args) == 1 {
				path = args[0]
			}
			return a.runExtract(path)
		},
	}
	cmd.Flags().String(config.KeyExtractPath, d.Extract.Path, "File to scan when no path argument is given")
	return cmd
}

func (a *app) runExtract(path string) error {
	count, err := extract.File(path, a.stdout)
	if errors.Is(err, extract.ErrNotFound) {
		fmt.Fprintf(a.stderr, "File not found: %s\n", path)
		return exitError{code: 1}
	}
	if err != nil {
		// The error and the partial total have already been printed.
		a.logger.Warn("scan stopped early", zap.String("file", path), zap.Int("matches", count), zap.Error(err))
	}
	return nil
}

func (a *app) newJournalCmd(d *config.Config) *cobra.Command {
	var cid string

	cmd := &cobra.Command{
		Use:   "journal --journal-dir <dir>",
		Short: "List recorded churn operations or print archived rotated content",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Churn.JournalDir == "" {
				return fmt.Errorf("journal-dir is required")
			}
			if err := a.cfg.Churn.Validate(); err != nil {
				return fmt.Errorf("churn config invalid: %w", err)
			}
			return a.runJournal(a.cfg.Churn.JournalDir, cid)
		},
	}

	cmd.Flags().String(config.KeyJournalDir, d.Churn.JournalDir, "Directory holding the pebble journal")
	cmd.Flags().String(config.KeyHashAlgo, d.Churn.HashAlgo, "Archive hash algorithm: sha256, blake3")
	cmd.Flags().StringVar(&cid, "cid", "", "Print the archived content with this CID")
	return cmd
}

func (a *app) runJournal(dir, cid string) error {
	journal, err := recorder.OpenReadOnly(dir)
	if err != nil {
		return err
	}
	defer journal.Close()

	store, err := cas.NewStore(journal.DB(), a.cfg.Churn.HashAlgo)
	if err != nil {
		return err
	}

	if cid != "" {
		data, err := store.Get(cid)
		if err != nil {
			return err
		}
		_, err = a.stdout.Write(data)
		return err
	}

	entries, err := journal.Entries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		ts := time.Unix(0, e.Timestamp).UTC().Format(churn.TimestampLayout)
		line := fmt.Sprintf("%s %6d %-6s %-7s %s", ts, e.Seq, e.Op, e.Outcome, e.Path)
		if e.CID != "" {
			line += " cid=" + e.CID
		}
		if e.Detail != "" {
			line += " detail=" + e.Detail
		}
		fmt.Fprintln(a.stdout, line)
	}

	stats, err := store.GetStats()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%d entries, %d archived objects (%d bytes)\n", len(entries), stats.Objects, stats.StoredBytes)
	return nil
}
