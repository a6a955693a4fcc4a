package churn

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saworbit/logchurn/pkg/config"
	"github.com/saworbit/logchurn/pkg/fileset"
	"github.com/saworbit/logchurn/pkg/recorder"
)

var (
	messageRe = regexp.MustCompile(`^\[\d{4}-\d\d-\d\d \d\d:\d\d:\d\d\.\d{6}\] (INFO|WARNING|ERROR|DEBUG): .+$`)
	rotatedRe = regexp.MustCompile(`^Rotated at \d{4}-\d\d-\d\d \d\d:\d\d:\d\d\.\d{6}$`)
	createdRe = regexp.MustCompile(`^Created at \d{4}-\d\d-\d\d \d\d:\d\d:\d\d\.\d{6}$`)
	seedRe    = regexp.MustCompile(`^Initial log file \d+$`)
	finalRe   = regexp.MustCompile(`^Final number2: \d+$`)
)

// simulatedTime returns a frozen clock and a sleeper that advances it, so a
// churn run takes no wall time and is fully deterministic.
func simulatedTime() (*timeutil.SimulatedClock, Sleeper) {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC))
	return clock, func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		clock.AdvanceTime(d)
		return nil
	}
}

func testConfig(dir string) config.ChurnConfig {
	cfg := config.DefaultConfig().Churn
	cfg.Dir = dir
	cfg.InitialFiles = 10
	cfg.Duration = 200 * time.Millisecond
	cfg.OpDelay = time.Millisecond
	cfg.DrainPause = 5 * time.Second
	return cfg
}

func newTestGenerator(t *testing.T, cfg config.ChurnConfig, opts ...Option) (*Generator, *timeutil.SimulatedClock) {
	t.Helper()
	clock, sleep := simulatedTime()
	opts = append([]Option{WithClock(clock), WithSleeper(sleep), WithSeed(42)}, opts...)
	g, err := New(cfg, opts...)
	require.NoError(t, err)
	return g, clock
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

type memJournal struct {
	mu      sync.Mutex
	entries []recorder.Entry
}

func (m *memJournal) Record(e recorder.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memJournal) byOp(op string) []recorder.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []recorder.Entry
	for _, e := range m.entries {
		if e.Op == op {
			out = append(out, e)
		}
	}
	return out
}

type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memArchive) Put(data []byte) (string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	cid := fmt.Sprintf("obj-%d", len(m.objects))
	m.objects[cid] = append([]byte(nil), data...)
	return cid, len(data), nil
}

func TestSetupSeedsFilesAndKeepsUnrelated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "test_logs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	unrelated := filepath.Join(dir, "keep.me")
	require.NoError(t, os.WriteFile(unrelated, []byte("x"), 0o644))

	cfg := testConfig(dir)
	cfg.InitialFiles = 100
	g, _ := newTestGenerator(t, cfg)
	require.NoError(t, g.Setup())

	names, err := g.Dir().Snapshot()
	require.NoError(t, err)
	require.Len(t, names, 100)
	for i := 0; i < 100; i++ {
		lines := readLines(t, filepath.Join(dir, fmt.Sprintf("log_%d.txt", i)))
		require.Len(t, lines, 1)
		assert.Equal(t, fmt.Sprintf("Initial log file %d", i), lines[0])
	}

	_, err = os.Stat(unrelated)
	assert.NoError(t, err)
}

func TestSetupFailsWhenDirIsAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	g, _ := newTestGenerator(t, testConfig(path))
	assert.Error(t, g.Setup())
}

func TestRunFinalizesEverySurvivor(t *testing.T) {
	dir := t.TempDir()
	g, _ := newTestGenerator(t, testConfig(dir))

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Interrupted)
	assert.Equal(t, int64(200), res.Stats.Iterations)

	names, err := g.Dir().Snapshot()
	require.NoError(t, err)
	fileset.SortLexical(names)
	require.Len(t, res.Final, len(names))

	for i, name := range names {
		assert.Equal(t, FinalEntry{Rank: i, Name: name}, res.Final[i])
		lines := readLines(t, filepath.Join(dir, name))
		require.NotEmpty(t, lines)
		assert.Equal(t, fmt.Sprintf("Final number2: %d", i), lines[len(lines)-1])

		for _, line := range lines[:len(lines)-1] {
			ok := messageRe.MatchString(line) || rotatedRe.MatchString(line) ||
				createdRe.MatchString(line) || seedRe.MatchString(line)
			assert.True(t, ok, "unexpected line %q in %s", line, name)
			assert.False(t, finalRe.MatchString(line), "duplicate marker in %s", name)
		}
	}
}

func TestRunIsDeterministicForSeedAndClock(t *testing.T) {
	run := func() *Result {
		g, _ := newTestGenerator(t, testConfig(t.TempDir()))
		res, err := g.Run(context.Background())
		require.NoError(t, err)
		return res
	}

	a, b := run(), run()
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, a.Final, b.Final)
	assert.Equal(t, a.Stats, b.Stats)
	assert.Equal(t, uint64(42), a.Seed)
}

func TestChurnDeadlineUsesClock(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Duration = 50 * time.Millisecond
	cfg.OpDelay = 10 * time.Millisecond
	g, clock := newTestGenerator(t, cfg)
	require.NoError(t, g.Setup())

	start := clock.Now()
	require.NoError(t, g.Churn(context.Background()))
	assert.Equal(t, int64(5), g.Stats().Iterations)
	assert.Equal(t, 50*time.Millisecond, clock.Now().Sub(start))

	require.NoError(t, g.Drain(context.Background()))
	assert.Equal(t, 5*time.Second+50*time.Millisecond, clock.Now().Sub(start))
}

func TestChurnIdlesOnEmptySet(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.InitialFiles = 0
	g, _ := newTestGenerator(t, cfg)

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.Stats.Iterations, res.Stats.Idle)
	assert.Zero(t, res.Stats.Applied())
	assert.Empty(t, res.Final)
	assert.Equal(t, "empty", res.Fingerprint)
}

func TestCreateOnlyProducesIncreasingSuffixes(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.InitialFiles = 3
	cfg.Duration = 10 * time.Millisecond
	cfg.Weights = config.WeightsConfig{Create: 1}
	j := &memJournal{}
	g, _ := newTestGenerator(t, cfg, WithJournal(j))

	require.NoError(t, g.Setup())
	require.NoError(t, g.Churn(context.Background()))

	creates := j.byOp("create")
	require.Len(t, creates, 10)
	for i, e := range creates {
		assert.Equal(t, fmt.Sprintf("log_%d.txt", 3+i), e.Path)
		assert.Equal(t, OutcomeApplied, e.Outcome)
	}

	lines := readLines(t, filepath.Join(cfg.Dir, "log_12.txt"))
	require.Len(t, lines, 1)
	assert.Regexp(t, createdRe, lines[0])
}

func TestCreateNeverReusesDeletedSuffix(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.InitialFiles = 3
	g, _ := newTestGenerator(t, cfg)
	require.NoError(t, g.Setup())

	name, outcome, err := g.create()
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "log_3.txt", name)

	outcome, err = g.remove("log_3.txt")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	name, _, err = g.create()
	require.NoError(t, err)
	assert.Equal(t, "log_4.txt", name)
}

func TestCreateRespectsExistingHigherSuffix(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "log_500.txt"), []byte("old\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "log_9999x.txt"), []byte("ignored\n"), 0o644))

	cfg := testConfig(dir)
	cfg.InitialFiles = 2
	g, _ := newTestGenerator(t, cfg)
	require.NoError(t, g.Setup())

	name, _, err := g.create()
	require.NoError(t, err)
	assert.Equal(t, "log_501.txt", name)
}

func TestCreateSkipsWithoutLiveFiles(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.InitialFiles = 0
	g, _ := newTestGenerator(t, cfg)
	require.NoError(t, g.Setup())

	_, outcome, err := g.create()
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestRotateLeavesSingleLine(t *testing.T) {
	cfg := testConfig(t.TempDir())
	archive := &memArchive{}
	g, clock := newTestGenerator(t, cfg, WithArchive(archive))
	require.NoError(t, g.Setup())

	path := filepath.Join(cfg.Dir, "log_4.txt")
	require.NoError(t, appendLine(path, "extra line\n"))

	cid, outcome, err := g.rotate("log_4.txt")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, rotatedLine(clock.Now()), string(data))
	assert.Equal(t, "Initial log file 4\nextra line\n", string(archive.objects[cid]))
}

func TestRotateMissingFileIsSkipped(t *testing.T) {
	cfg := testConfig(t.TempDir())
	g, _ := newTestGenerator(t, cfg)
	require.NoError(t, g.Setup())

	_, outcome, err := g.rotate("log_77.txt")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	_, err = os.Stat(filepath.Join(cfg.Dir, "log_77.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteRemovesFromSnapshot(t *testing.T) {
	cfg := testConfig(t.TempDir())
	g, _ := newTestGenerator(t, cfg)
	require.NoError(t, g.Setup())

	outcome, err := g.remove("log_0.txt")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	names, err := g.Dir().Snapshot()
	require.NoError(t, err)
	assert.NotContains(t, names, "log_0.txt")
	assert.Len(t, names, cfg.InitialFiles-1)

	outcome, err = g.remove("log_0.txt")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestWriteAppendsMessageAndSkipsVanishedFile(t *testing.T) {
	cfg := testConfig(t.TempDir())
	g, _ := newTestGenerator(t, cfg)
	require.NoError(t, g.Setup())

	rng := g.newRand(0)
	outcome, err := g.write("log_1.txt", rng)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	lines := readLines(t, filepath.Join(cfg.Dir, "log_1.txt"))
	require.Len(t, lines, 2)
	assert.Regexp(t, messageRe, lines[1])

	outcome, err = g.write("log_404.txt", rng)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	_, err = os.Stat(filepath.Join(cfg.Dir, "log_404.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestFinalizeLexicalScenario(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"log_2.txt", "log_10.txt", "log_5.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("body\n"), 0o644))
	}

	cfg := testConfig(dir)
	cfg.InitialFiles = 0
	g, _ := newTestGenerator(t, cfg)

	final, err := g.Finalize()
	require.NoError(t, err)
	assert.Equal(t, []FinalEntry{
		{Rank: 0, Name: "log_10.txt"},
		{Rank: 1, Name: "log_2.txt"},
		{Rank: 2, Name: "log_5.txt"},
	}, final)

	want := map[string]string{
		"log_10.txt": "Final number2: 0",
		"log_2.txt":  "Final number2: 1",
		"log_5.txt":  "Final number2: 2",
	}
	for name, marker := range want {
		lines := readLines(t, filepath.Join(dir, name))
		assert.Equal(t, []string{"body", marker}, lines)
	}
}

func TestRunCancelledStillFinalizes(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Duration = time.Hour

	clock, _ := simulatedTime()
	ctx, cancel := context.WithCancel(context.Background())
	steps := 0
	sleep := func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		steps++
		if steps == 25 {
			cancel()
		}
		clock.AdvanceTime(d)
		return nil
	}

	g, err := New(cfg, WithClock(clock), WithSleeper(sleep), WithSeed(9))
	require.NoError(t, err)

	res, err := g.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, int64(25), res.Stats.Iterations)

	for _, f := range res.Final {
		lines := readLines(t, filepath.Join(cfg.Dir, f.Name))
		assert.Equal(t, fmt.Sprintf("Final number2: %d", f.Rank), lines[len(lines)-1])
	}
}

func TestJournalAndArchiveWiring(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Weights = config.WeightsConfig{Rotate: 1}
	cfg.Duration = 20 * time.Millisecond
	j := &memJournal{}
	archive := &memArchive{}
	g, _ := newTestGenerator(t, cfg, WithJournal(j), WithArchive(archive))

	res, err := g.Run(context.Background())
	require.NoError(t, err)

	rotates := j.byOp("rotate")
	require.Len(t, rotates, 20)
	for _, e := range rotates {
		assert.Equal(t, OutcomeApplied, e.Outcome)
		assert.Contains(t, archive.objects, e.CID)
	}
	assert.Len(t, j.byOp("setup"), 1)
	assert.Len(t, j.byOp("final"), len(res.Final))
	assert.Equal(t, int64(20), res.Stats.Ops[OpRotate].Applied)
}

func TestParallelWorkersKeepInvariants(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Workers = 4
	cfg.InitialFiles = 20
	cfg.Duration = 100 * time.Millisecond
	j := &memJournal{}
	g, _ := newTestGenerator(t, cfg, WithJournal(j))

	res, err := g.Run(context.Background())
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, e := range j.byOp("create") {
		if e.Outcome != OutcomeApplied {
			continue
		}
		assert.False(t, seen[e.Path], "suffix reused: %s", e.Path)
		seen[e.Path] = true
	}

	ranks := make(map[int]bool)
	for _, f := range res.Final {
		assert.False(t, ranks[f.Rank])
		ranks[f.Rank] = true
		lines := readLines(t, filepath.Join(cfg.Dir, f.Name))
		assert.Equal(t, fmt.Sprintf("Final number2: %d", f.Rank), lines[len(lines)-1])
		for _, line := range lines[:len(lines)-1] {
			assert.False(t, strings.HasPrefix(line, FinalMarkerPrefix))
		}
	}
	assert.Zero(t, g.locks.size())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Weights = config.WeightsConfig{}
	_, err := New(cfg)
	assert.Error(t, err)
}
