package churn

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saworbit/logchurn/internal/metrics"
	"github.com/saworbit/logchurn/pkg/config"
	"github.com/saworbit/logchurn/pkg/fileset"
	"github.com/saworbit/logchurn/pkg/manifest"
	"github.com/saworbit/logchurn/pkg/recorder"
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Journal receives one entry per applied or skipped operation.
type Journal interface {
	Record(e recorder.Entry) error
}

// Archive keeps content discarded by rotation and returns its CID and the
// number of bytes stored.
type Archive interface {
	Put(data []byte) (string, int, error)
}

// Operation outcomes, also used as metric labels.
const (
	OutcomeApplied = "applied"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "error"
)

// Generator seeds a directory with log files, churns it for a fixed time
// budget and appends a final rank marker to every survivor.
type Generator struct {
	cfg     config.ChurnConfig
	dir     *fileset.Dir
	table   WeightTable
	clock   timeutil.Clock
	sleep   Sleeper
	seed    uint64
	seeded  bool
	logger  *zap.Logger
	journal Journal
	archive Archive

	locks keyedMutex

	createMu  sync.Mutex
	highWater int // GUARDED_BY(createMu)
	haveHigh  bool

	counts     [4]opCounters
	iterations atomic.Int64
	idle       atomic.Int64
}

type opCounters struct {
	applied, skipped, failed atomic.Int64
}

// Option customizes a Generator.
type Option func(*Generator)

// WithClock replaces the wall clock used for the deadline and timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(g *Generator) { g.clock = c }
}

// WithSleeper replaces the sleep used between operations and for draining.
func WithSleeper(s Sleeper) Option {
	return func(g *Generator) { g.sleep = s }
}

// WithSeed fixes the random source.
func WithSeed(seed uint64) Option {
	return func(g *Generator) {
		g.seed = seed
		g.seeded = true
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithJournal records every operation to j.
func WithJournal(j Journal) Option {
	return func(g *Generator) { g.journal = j }
}

// WithArchive keeps rotated content in a.
func WithArchive(a Archive) Option {
	return func(g *Generator) { g.archive = a }
}

// New validates cfg and builds a Generator.
func New(cfg config.ChurnConfig, opts ...Option) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid churn config")
	}

	g := &Generator{
		cfg:   cfg,
		dir:   fileset.NewDir(cfg.Dir, fileset.DefaultNaming),
		table: WeightsFromConfig(cfg.Weights),
		clock: timeutil.RealClock(),
		sleep: RealSleep,
	}
	if cfg.Seed != 0 {
		g.seed, g.seeded = cfg.Seed, true
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.table.Validate(); err != nil {
		return nil, err
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if !g.seeded {
		g.seed = uint64(g.clock.Now().UnixNano())
	}
	return g, nil
}

// Seed returns the seed driving the random source.
func (g *Generator) Seed() uint64 { return g.seed }

// Dir returns the working directory.
func (g *Generator) Dir() *fileset.Dir { return g.dir }

// FinalEntry is one surviving file and its lexicographic rank.
type FinalEntry struct {
	Rank int
	Name string
}

// Result summarises a full run.
type Result struct {
	Seed        uint64
	Stats       Stats
	Final       []FinalEntry
	Fingerprint string
	Interrupted bool
}

// Run performs setup, churn, drain and finalization. Cancelling ctx ends the
// churn early and skips the drain; finalization still runs so the directory
// is left with consistent markers.
func (g *Generator) Run(ctx context.Context) (*Result, error) {
	if err := g.Setup(); err != nil {
		return nil, err
	}

	interrupted := false
	if err := g.Churn(ctx); err != nil {
		if !isCanceled(err) {
			return nil, err
		}
		interrupted = true
	}

	if !interrupted {
		if err := g.Drain(ctx); err != nil {
			if !isCanceled(err) {
				return nil, err
			}
			interrupted = true
		}
	}

	final, err := g.Finalize()
	if err != nil {
		return nil, err
	}

	m, err := g.Fingerprint(final)
	if err != nil {
		return nil, err
	}

	return &Result{
		Seed:        g.seed,
		Stats:       g.Stats(),
		Final:       final,
		Fingerprint: m.RootHex(),
		Interrupted: interrupted,
	}, nil
}

// Setup creates the working directory if needed and writes the initial
// files. Pre-existing files are left in place. Any error is fatal.
func (g *Generator) Setup() error {
	if err := g.dir.Ensure(); err != nil {
		return err
	}

	naming := g.dir.Naming()
	for i := 0; i < g.cfg.InitialFiles; i++ {
		name := naming.Name(i)
		if err := writeNew(g.dir.Path(name), seedLine(i), true); err != nil {
			return errors.Wrapf(err, "seed %s", name)
		}
	}

	names, err := g.dir.Snapshot()
	if err != nil {
		return err
	}
	g.createMu.Lock()
	g.highWater, g.haveHigh = g.dir.MaxIndex(names)
	g.createMu.Unlock()

	metrics.SetFilesLive(len(names))
	g.record("setup", g.dir.Root(), OutcomeApplied, "", nil)
	g.logger.Info("seeded working directory",
		zap.String("dir", g.dir.Root()),
		zap.Int("seeded", g.cfg.InitialFiles),
		zap.Int("live", len(names)))
	return nil
}

// Churn applies random operations until the configured duration has
// elapsed on the generator's clock or ctx is done.
func (g *Generator) Churn(ctx context.Context) error {
	deadline := g.clock.Now().Add(g.cfg.Duration)
	g.logger.Info("churn started",
		zap.Duration("duration", g.cfg.Duration),
		zap.Int("workers", g.cfg.Workers),
		zap.Uint64("seed", g.seed))

	var err error
	if g.cfg.Workers <= 1 {
		err = g.loop(ctx, 0, deadline)
	} else {
		eg, egCtx := errgroup.WithContext(ctx)
		for w := 0; w < g.cfg.Workers; w++ {
			eg.Go(func() error { return g.loop(egCtx, w, deadline) })
		}
		// Wait is the barrier: no operation is in flight once it returns.
		err = eg.Wait()
	}

	stats := g.Stats()
	g.logger.Info("churn finished",
		zap.Int64("iterations", stats.Iterations),
		zap.Int64("idle", stats.Idle),
		zap.Error(err))
	return err
}

func (g *Generator) loop(ctx context.Context, worker int, deadline time.Time) error {
	rng := g.newRand(worker)
	for g.clock.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.iterations.Add(1)

		names, err := g.dir.Snapshot()
		if err != nil {
			g.logger.Warn("snapshot failed", zap.Error(err))
		}
		metrics.SetFilesLive(len(names))

		if len(names) == 0 {
			g.idle.Add(1)
		} else {
			g.apply(g.table.Pick(rng), names, rng)
		}

		if err := g.sleep(ctx, g.cfg.OpDelay); err != nil {
			return err
		}
	}
	return nil
}

// Drain waits out the quiescence window between churn and finalization.
func (g *Generator) Drain(ctx context.Context) error {
	return g.sleep(ctx, g.cfg.DrainPause)
}

// Finalize appends "Final number2: <i>" to each surviving file, where i is
// the file's position in the lexicographic order of surviving names.
func (g *Generator) Finalize() ([]FinalEntry, error) {
	names, err := g.dir.Snapshot()
	if err != nil {
		return nil, err
	}
	fileset.SortLexical(names)

	final := make([]FinalEntry, 0, len(names))
	for i, name := range names {
		if err := appendLine(g.dir.Path(name), FinalMarkerLine(i)); err != nil {
			return final, errors.Wrapf(err, "finalize %s", name)
		}
		final = append(final, FinalEntry{Rank: i, Name: name})
		g.record("final", name, OutcomeApplied, "", nil)
	}

	metrics.AddFinalMarkers(len(final))
	g.logger.Info("finalized surviving files", zap.Int("files", len(final)))
	return final, nil
}

// Fingerprint builds a merkle manifest over the finalized files.
func (g *Generator) Fingerprint(final []FinalEntry) (*manifest.Manifest, error) {
	names := make([]string, len(final))
	paths := make([]string, len(final))
	for i, f := range final {
		names[i] = f.Name
		paths[i] = g.dir.Path(f.Name)
	}
	return manifest.Build(names, paths)
}

// OpCounts tallies outcomes for one operation.
type OpCounts struct {
	Applied int64
	Skipped int64
	Failed  int64
}

// Stats is a point-in-time copy of the generator counters.
type Stats struct {
	Ops        map[Op]OpCounts
	Iterations int64
	Idle       int64
}

// Applied returns the total number of applied operations.
func (s Stats) Applied() int64 {
	var n int64
	for _, c := range s.Ops {
		n += c.Applied
	}
	return n
}

// Stats returns the current counters.
func (g *Generator) Stats() Stats {
	s := Stats{
		Ops:        make(map[Op]OpCounts, len(g.counts)),
		Iterations: g.iterations.Load(),
		Idle:       g.idle.Load(),
	}
	for _, op := range Ops() {
		c := &g.counts[op]
		s.Ops[op] = OpCounts{
			Applied: c.applied.Load(),
			Skipped: c.skipped.Load(),
			Failed:  c.failed.Load(),
		}
	}
	return s
}

func (g *Generator) count(op Op, outcome string) {
	c := &g.counts[op]
	switch outcome {
	case OutcomeApplied:
		c.applied.Add(1)
	case OutcomeSkipped:
		c.skipped.Add(1)
	default:
		c.failed.Add(1)
	}
}

func (g *Generator) newRand(worker int) *rand.Rand {
	return rand.New(rand.NewPCG(g.seed, uint64(worker)))
}

func (g *Generator) record(op, name, outcome, cid string, opErr error) {
	if g.journal == nil {
		return
	}
	e := recorder.Entry{
		Timestamp: g.clock.Now().UnixNano(),
		Op:        op,
		Path:      name,
		Outcome:   outcome,
		CID:       cid,
	}
	if opErr != nil {
		e.Detail = opErr.Error()
	}
	if err := g.journal.Record(e); err != nil {
		g.logger.Warn("journal write failed", zap.String("op", op), zap.Error(err))
	}
}

// RealSleep sleeps on the wall clock.
func RealSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
