// Package scheduler is the worker fleet scheduler (component L): a small
// registry of named, intervalled maintenance tasks that run against every
// currently-known worker host directly, independent of any single
// sandbox's lifecycle. Adapted from the teacher's pkg/cleanup ticker-loop
// shape (Start/Stop/run over a stopChan, a sync.WaitGroup for drain-on-stop)
// with the per-sandbox Kubernetes reconciliation work replaced by
// concurrent per-host maintenance calls fanned out with an errgroup.
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rockcloud/sandboxctl/pkg/actor"
	"github.com/rockcloud/sandboxctl/pkg/config"
	"github.com/rockcloud/sandboxctl/pkg/logger"
	"github.com/rockcloud/sandboxctl/pkg/types"
	"github.com/rockcloud/sandboxctl/pkg/workerclient"
)

// HostLister reports every worker host currently known to the control
// plane (one entry per distinct host_ip the operator backend has handed
// out), so a task can be fanned out across all of them.
type HostLister interface {
	WorkerHosts(ctx context.Context) ([]string, error)
}

// Task is a single named maintenance action to run against one worker host.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, worker *workerclient.Client) error
}

// Scheduler runs every registered Task on its own ticker, fanning each
// round out across all currently-known worker hosts concurrently.
type Scheduler struct {
	hosts HostLister
	cfg   *config.Config
	tasks []Task

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New returns a Scheduler that discovers worker hosts through hosts and
// registers the given tasks.
func New(hosts HostLister, cfg *config.Config, tasks []Task) *Scheduler {
	return &Scheduler{
		hosts:    hosts,
		cfg:      cfg,
		tasks:    tasks,
		stopChan: make(chan struct{}),
	}
}

// DiskImageCleanupTask is the one task shipped by default: it invokes a
// disk-image cleanup command on every worker host over the worker HTTP
// client's Execute verb, per §4.L.
func DiskImageCleanupTask(interval time.Duration, threshold string) Task {
	return Task{
		Name:     "disk_image_cleanup",
		Interval: interval,
		Run: func(ctx context.Context, worker *workerclient.Client) error {
			_, err := worker.Execute(ctx, "docker image prune -f --filter until="+threshold, true)
			return err
		},
	}
}

// Start launches one goroutine per registered task.
func (s *Scheduler) Start() {
	if !s.cfg.FleetSchedulerEnabled {
		logger.Info("Worker fleet scheduler is disabled")
		return
	}
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.runTask(task)
	}
}

// Stop signals every task goroutine to drain and waits for them.
func (s *Scheduler) Stop() {
	if !s.cfg.FleetSchedulerEnabled {
		return
	}
	logger.Info("Stopping worker fleet scheduler...")
	close(s.stopChan)
	s.wg.Wait()
	logger.Info("Worker fleet scheduler stopped")
}

func (s *Scheduler) runTask(task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runRound(task)
		case <-s.stopChan:
			return
		}
	}
}

// runRound fans task.Run out across every known worker host concurrently,
// tolerating and logging per-host failures without aborting the round.
func (s *Scheduler) runRound(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WorkerRequestTimeout)
	defer cancel()

	hosts, err := s.hosts.WorkerHosts(ctx)
	if err != nil {
		logger.Info("scheduler: task %s: failed to list worker hosts: %v", task.Name, err)
		return
	}
	if len(hosts) == 0 {
		logger.Debug("scheduler: task %s: no worker hosts known", task.Name)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			worker := workerclient.New(host, "")
			if err := task.Run(gctx, worker); err != nil {
				logger.Info("scheduler: task %s failed against host %s: %v", task.Name, host, err)
			}
			return nil
		})
	}
	_ = g.Wait() // per-host errors are logged above, never propagated
}

// RegistryHostLister discovers worker hosts from the control plane's live
// actor registry: one base URL per currently-running sandbox's proxy port.
// This is a best-effort view (it misses hosts whose actor was lost across
// a restart), adequate for a maintenance task that simply runs again on
// the next tick.
type RegistryHostLister struct {
	registry *actor.Registry
}

// NewRegistryHostLister returns a HostLister backed by registry.
func NewRegistryHostLister(registry *actor.Registry) *RegistryHostLister {
	return &RegistryHostLister{registry: registry}
}

// WorkerHosts returns the base URL of every currently-running sandbox's
// worker proxy port.
func (r *RegistryHostLister) WorkerHosts(ctx context.Context) ([]string, error) {
	var hosts []string
	for _, a := range r.registry.List() {
		info, err := a.Status()
		if err != nil || !info.Alive {
			continue
		}
		port, ok := info.PortMapping[types.PortProxy]
		if !ok {
			continue
		}
		hosts = append(hosts, "http://"+info.HostIP+":"+strconv.Itoa(port))
	}
	return hosts, nil
}
