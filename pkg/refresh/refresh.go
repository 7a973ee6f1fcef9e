// Package refresh periodically rebuilds the Content Store when the set of
// archives on disk changes.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/storage"
	"github.com/agenthands/blockserve/pkg/store"
)

// Result describes one refresh run.
type Result struct {
	// Rebuilt is false when the archive listing was unchanged.
	Rebuilt bool
	Report  store.BuildReport
}

// Runner defines the refresh interface.
type Runner interface {
	RunOnce(ctx context.Context) (Result, error)
	Start(ctx context.Context)
	Stop()
}

// Rebuilder is the part of the store a Runner drives.
type Rebuilder interface {
	Rebuild(ctx context.Context) (store.BuildReport, error)
}

// Lister enumerates archives.
type Lister interface {
	List(ctx context.Context) ([]storage.Info, error)
}

type runner struct {
	cfg    core.RefreshConfig
	store  Rebuilder
	lister Lister
	logger *slog.Logger

	mu      sync.Mutex
	last    []storage.Info
	seeded  bool
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRunner creates a runner. If lister is nil every run rebuilds.
func NewRunner(cfg core.RefreshConfig, s Rebuilder, lister Lister, logger *slog.Logger) Runner {
	if cfg.RunEvery == 0 {
		cfg.RunEvery = time.Minute
	}
	return &runner{
		cfg:    cfg,
		store:  s,
		lister: lister,
		logger: core.LoggerOrDefault(logger),
	}
}

func (r *runner) RunOnce(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var infos []storage.Info
	if r.lister != nil {
		var err error
		infos, err = r.lister.List(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("failed to list archives: %w", err)
		}
		if r.seeded && slices.Equal(infos, r.last) {
			return Result{}, nil
		}
	}

	rep, err := r.store.Rebuild(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("rebuild failed: %w", err)
	}
	r.last, r.seeded = infos, r.lister != nil
	return Result{Rebuilt: true, Report: rep}, nil
}

func (r *runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running || !r.cfg.Enabled {
		r.mu.Unlock()
		return
	}
	r.running = true
	stopCh, doneCh := make(chan struct{}), make(chan struct{})
	r.stopCh, r.doneCh = stopCh, doneCh
	r.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(r.cfg.RunEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				res, err := r.RunOnce(ctx)
				switch {
				case err != nil:
					r.logger.Warn("refresh failed", "error", err)
				case res.Rebuilt:
					r.logger.Debug("refreshed content store", "generation", res.Report.Generation)
				}
			}
		}
	}()
}

// Stop halts the background loop and waits for a run in progress.
func (r *runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	doneCh := r.doneCh
	r.mu.Unlock()
	<-doneCh
}
