package churn

import (
	"io/fs"
	"math/rand/v2"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/saworbit/logchurn/internal/metrics"
)

func (g *Generator) apply(op Op, names []string, rng *rand.Rand) {
	start := time.Now()

	var (
		name, outcome, cid string
		err                error
	)
	switch op {
	case OpWrite:
		name = names[rng.IntN(len(names))]
		outcome, err = g.write(name, rng)
	case OpCreate:
		name, outcome, err = g.create()
	case OpDelete:
		name = names[rng.IntN(len(names))]
		outcome, err = g.remove(name)
	case OpRotate:
		name = names[rng.IntN(len(names))]
		cid, outcome, err = g.rotate(name)
	default:
		outcome, err = OutcomeFailed, errors.Errorf("unknown operation %s", op)
	}

	g.count(op, outcome)
	metrics.ObserveOp(start, op.String(), outcome)
	g.record(op.String(), name, outcome, cid, err)

	if err != nil {
		g.logger.Warn("operation failed", zap.Stringer("op", op), zap.String("file", name), zap.Error(err))
		return
	}
	g.logger.Debug("operation", zap.Stringer("op", op), zap.String("file", name), zap.String("outcome", outcome))
}

// write appends one random message line. A file that vanished since the
// snapshot is skipped rather than recreated.
func (g *Generator) write(name string, rng *rand.Rand) (string, error) {
	unlock := g.locks.Lock(name)
	defer unlock()

	err := appendLine(g.dir.Path(name), messageLine(g.clock.Now(), rng))
	if errors.Is(err, fs.ErrNotExist) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

// create adds the file whose suffix is one past both the live maximum and
// every suffix created earlier in the run. It needs at least one live file.
func (g *Generator) create() (string, string, error) {
	g.createMu.Lock()
	defer g.createMu.Unlock()

	names, err := g.dir.Snapshot()
	if err != nil {
		return "", OutcomeFailed, err
	}
	max, ok := g.dir.MaxIndex(names)
	if !ok {
		return "", OutcomeSkipped, nil
	}
	if g.haveHigh && g.highWater > max {
		max = g.highWater
	}

	next := max + 1
	name := g.dir.Naming().Name(next)

	unlock := g.locks.Lock(name)
	defer unlock()

	if err := writeNew(g.dir.Path(name), createdLine(g.clock.Now()), false); err != nil {
		return name, OutcomeFailed, errors.Wrapf(err, "create %s", name)
	}
	g.highWater, g.haveHigh = next, true
	return name, OutcomeApplied, nil
}

// remove deletes name; a file that is already gone is a no-op.
func (g *Generator) remove(name string) (string, error) {
	unlock := g.locks.Lock(name)
	defer unlock()

	err := os.Remove(g.dir.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeFailed, errors.Wrapf(err, "delete %s", name)
	}
	return OutcomeApplied, nil
}

// rotate discards the file's content and leaves a single rotated line. The
// old content goes to the archive when one is configured.
func (g *Generator) rotate(name string) (string, string, error) {
	unlock := g.locks.Lock(name)
	defer unlock()

	path := g.dir.Path(name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", OutcomeSkipped, nil
	}
	if err != nil {
		return "", OutcomeFailed, errors.Wrapf(err, "read %s", name)
	}

	var cid string
	if g.archive != nil {
		var stored int
		cid, stored, err = g.archive.Put(data)
		if err != nil {
			g.logger.Warn("archive rotated content failed", zap.String("file", name), zap.Error(err))
			cid = ""
		}
		metrics.AddArchivedBytes(stored)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cid, OutcomeFailed, errors.Wrapf(err, "rotate %s", name)
	}
	if err := writeNew(path, rotatedLine(g.clock.Now()), false); err != nil {
		return cid, OutcomeFailed, errors.Wrapf(err, "rotate %s", name)
	}
	return cid, OutcomeApplied, nil
}

// appendLine appends to an existing file; it never creates one.
func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeNew writes a fresh file. With truncate unset an existing file is an
// error, which keeps creates collision-free.
func writeNew(path, content string, truncate bool) error {
	flags := os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
