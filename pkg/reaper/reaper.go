// Package reaper is the background task that expires sandboxes whose TTL
// has elapsed (component I): it scans the alive:* KV keyspace on a fixed
// interval and fires a fire-and-forget stop for anything past its
// expire_time. Kept in the teacher's ticker/stopChan goroutine shape from
// its own idle-activity reaper, with the scan source and trigger condition
// replaced end to end.
package reaper

import (
	"context"
	"time"

	"github.com/rockcloud/sandboxctl/pkg/config"
	"github.com/rockcloud/sandboxctl/pkg/kv"
	"github.com/rockcloud/sandboxctl/pkg/logger"
	"github.com/rockcloud/sandboxctl/pkg/types"
)

// Stopper is the subset of the sandbox manager's API the reaper depends on.
// Satisfied by *manager.Manager.
type Stopper interface {
	Stop(ctx context.Context, sandboxID string) (bool, error)
}

// Reaper expires sandboxes whose TTL record has passed its expire_time.
type Reaper struct {
	kvClient kv.Client
	manager  Stopper
	cfg      *config.Config
	stopChan chan struct{}
}

// New returns a Reaper scanning kvClient and stopping expired sandboxes
// through manager.
func New(kvClient kv.Client, manager Stopper, cfg *config.Config) *Reaper {
	return &Reaper{
		kvClient: kvClient,
		manager:  manager,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// Start begins the reaper background goroutine.
func (r *Reaper) Start() {
	logger.Info("Starting TTL sandbox reaper (interval: %s)", r.cfg.ReaperInterval)
	go r.run()
}

// Stop gracefully stops the reaper.
func (r *Reaper) Stop() {
	logger.Info("Stopping TTL sandbox reaper...")
	close(r.stopChan)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopChan:
			logger.Info("TTL sandbox reaper stopped")
			return
		}
	}
}

// sweep scans every alive:* key in batches and reaps the expired ones.
// Per-key errors are logged and tolerated; the scan itself never aborts.
func (r *Reaper) sweep() {
	logger.Debug("Reaper: scanning for expired sandboxes...")
	now := time.Now().Unix()
	reaped := 0

	err := r.kvClient.ScanIter(context.Background(), kv.AliveKeyPrefix, r.cfg.KVScanBatch, func(key string) error {
		sandboxID := key[len(kv.AliveKeyPrefix):]

		var ttl types.TTLRecord
		found, err := r.kvClient.JSONGet(context.Background(), kv.TimeoutKey(sandboxID), &ttl)
		if err != nil {
			logger.Debug("Reaper: reading TTL record for %s: %v", sandboxID, err)
			return nil
		}
		if !found {
			// No TTL record: treat as already cleared, nothing to do.
			return nil
		}
		if now <= ttl.ExpireTime {
			return nil
		}

		logger.Info("Reaper: sandbox %s expired at %d, stopping...", sandboxID, ttl.ExpireTime)
		go r.reap(sandboxID)
		reaped++
		return nil
	})
	if err != nil {
		logger.Info("Reaper: scan failed: %v", err)
		return
	}

	if reaped > 0 {
		logger.Info("Reaper: scheduled %d expired sandbox(es) for stop", reaped)
	} else {
		logger.Debug("Reaper: no expired sandboxes")
	}
}

// reap stops a single sandbox in its own goroutine so a slow or hung stop
// never blocks the scan loop (fire-and-forget, per §4.I).
func (r *Reaper) reap(sandboxID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.K8sOperationTimeout)
	defer cancel()
	if _, err := r.manager.Stop(ctx, sandboxID); err != nil {
		logger.Info("Reaper: failed to stop expired sandbox %s: %v", sandboxID, err)
	}
}
