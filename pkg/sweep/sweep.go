// Package sweep implements the cooperative background pass that releases
// in-memory value slots for consolidated entries that have been written to
// disk and are not currently in use.
package sweep

import (
	"context"
	"time"

	"github.com/microsoft/go-tstore/pkg/consolidated"
	"github.com/microsoft/go-tstore/pkg/types"
	"github.com/microsoft/go-tstore/pkg/version"
)

// Config governs one store instance's sweep engine.
type Config struct {
	// Enabled lets a store instance opt out of sweeping entirely.
	Enabled bool

	Interval time.Duration
}

// DefaultConfig enables sweeping with a modest interval.
func DefaultConfig() Config {
	return Config{Enabled: true, Interval: 30 * time.Second}
}

// Engine runs sweep passes against a consolidated.Holder.
type Engine struct {
	cfg    Config
	holder *consolidated.Holder

	stop chan struct{}
	done chan struct{}
}

// New creates a sweep engine bound to the store's consolidated state
// holder.
func New(cfg Config, holder *consolidated.Holder) *Engine {
	return &Engine{cfg: cfg, holder: holder}
}

// Start launches the background sweep loop. It is a no-op if the engine is
// disabled. Callers must call Stop to release the goroutine.
func (e *Engine) Start(ctx context.Context) {
	if !e.cfg.Enabled {
		return
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})

	interval := e.cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				e.RunOnce()
			}
		}
	}()
}

// Stop halts the background loop, if running, and waits for it to exit.
func (e *Engine) Stop() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	<-e.done
}

// RunOnce performs a single sweep pass over every partition of the current
// consolidated generation. An entry is released only if it carries a valid
// disk pointer, is not currently in use by a reader, and was not promoted
// into consolidated state since the previous pass (RecentlyPromoted shields
// it for one pass so a reader racing the promotion still finds it
// resident).
//
// RunOnce never mutates Get/Enumerate visible results: releasing Value
// only removes the in-memory copy of a version whose Disk pointer already
// lets a reader reload it, so this never changes what a caller observes.
func (e *Engine) RunOnce() (released int) {
	cons := e.holder.Load()
	if cons == nil {
		return 0
	}

	cons.VisitPartitions(func(partitionIndex int, keys []types.Comparable, entries []*version.Entry) {
		for _, entry := range entries {
			if entry.ReleaseIfEvictable() {
				released++
			}
		}
	})
	return released
}
