package editable

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/wheelforge/wheelforge/internal/builddir"
	"github.com/wheelforge/wheelforge/internal/cache"
	"github.com/wheelforge/wheelforge/internal/driver"
	"github.com/wheelforge/wheelforge/internal/lock"
	"github.com/wheelforge/wheelforge/internal/logging"
)

// State is a step of one import-time trigger
type State string

const (
	StateIdle             State = "idle"
	StateLockAcquired     State = "lock-acquired"
	StateFreshnessChecked State = "freshness-checked"
	StateRebuilding       State = "rebuilding"
	StateLockReleased     State = "lock-released"
	StateDelegated        State = "delegated"
	StateFailed           State = "failed"
)

// Path names how a trigger reached its terminal state
type Path string

const (
	// PathFresh means no trigger input changed since the last rebuild
	PathFresh Path = "fresh"
	// PathLocked means another process held the lock under the skip policy
	PathLocked Path = "locked"
	// PathRebuilt means the native build ran
	PathRebuilt Path = "rebuilt"
	// PathFailed means the trigger could not complete
	PathFailed Path = "failed"
)

// Outcome describes one trigger run
type Outcome struct {
	Path   Path
	States []State
	// Signal is the freshness signal observed, 0 when not computed
	Signal  int64
	Results []*driver.Result
}

// Final returns the terminal state
func (o *Outcome) Final() State {
	if len(o.States) == 0 {
		return StateIdle
	}

	return o.States[len(o.States)-1]
}

func (o *Outcome) enter(s State) {
	o.States = append(o.States, s)
}

// Options configure Trigger
type Options struct {
	Logger        *slog.Logger
	DriverOptions []driver.Option
}

// Trigger runs the import-time rebuild described by the manifest at manifestPath.
// The rebuild lock is released on every path, including failures and cancellation.
func Trigger(ctx context.Context, manifestPath string, opts Options) (*Outcome, error) {
	logger := logging.Ensure(opts.Logger)
	outcome := &Outcome{}
	outcome.enter(StateIdle)

	fail := func(err error) (*Outcome, error) {
		outcome.Path = PathFailed
		outcome.enter(StateFailed)

		return outcome, err
	}

	m, err := LoadManifest(manifestPath)
	if err != nil {
		return fail(err)
	}

	timeout, err := m.Timeout()
	if err != nil {
		return fail(err)
	}

	acquired, release, err := lock.New(m.BuildDir).Acquire(ctx, lock.Policy{Mode: m.Policy, Timeout: timeout})
	if err != nil {
		return fail(err)
	}

	if !acquired {
		logger.Info("rebuild lock held elsewhere, using existing artifacts", "build_dir", m.BuildDir)
		outcome.Path = PathLocked
		outcome.enter(StateDelegated)

		return outcome, nil
	}

	outcome.enter(StateLockAcquired)

	err = func() error {
		defer func() {
			release()
			outcome.enter(StateLockReleased)
		}()

		return rebuildLocked(ctx, m, outcome, logger, opts.DriverOptions)
	}()
	if err != nil {
		return fail(err)
	}

	outcome.enter(StateDelegated)

	return outcome, nil
}

// rebuildLocked runs with the rebuild lock held.
// A rebuild is skipped only when no trigger input is newer than the last
// rebuild, the configuration fingerprint is unchanged and the install exists.
func rebuildLocked(ctx context.Context, m *Manifest, outcome *Outcome, logger *slog.Logger, driverOpts []driver.Option) error {
	store, err := cache.New(m.BuildDir)
	if err != nil {
		return err
	}
	defer store.Close()

	cfg, err := m.BuildConfig()
	if err != nil {
		return err
	}

	drv := driver.New(store, append([]driver.Option{driver.WithLogger(logger)}, driverOpts...)...)

	// Covers CMAKE_ARGS, which may differ between imports
	fingerprint, err := drv.Fingerprint(cfg)
	if err != nil {
		return err
	}

	signal, err := Freshness(m.TriggerInputs, m.BuildDir, m.Destination)
	if err != nil {
		return fmt.Errorf("failed to check trigger inputs: %w", err)
	}

	outcome.Signal = signal

	previous := m.LastRebuild
	changed := false

	rec, err := store.RebuildRecord(m.Destination)
	if err != nil {
		return err
	}

	if rec != nil {
		previous = rec.Signal
		changed = rec.Fingerprint != fingerprint
	}

	outcome.enter(StateFreshnessChecked)

	if previous != 0 && signal <= previous && !changed && dirExists(m.Destination) {
		logger.Debug("editable install is fresh", "signal", signal)
		outcome.Path = PathFresh

		return nil
	}

	outcome.enter(StateRebuilding)
	logger.Info("rebuilding editable install", "build_dir", m.BuildDir, "config_changed", changed)

	dir := builddir.Directory{Path: m.BuildDir, Abs: m.BuildDir}

	results, err := drv.Run(ctx, dir, m.Destination, cfg)
	outcome.Results = results
	if err != nil {
		return err
	}

	err = store.StoreRebuildRecord(m.Destination, cache.RebuildRecord{
		Signal:      signal,
		Fingerprint: fingerprint,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return err
	}

	outcome.Path = PathRebuilt

	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
