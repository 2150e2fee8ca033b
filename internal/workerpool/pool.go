// Package workerpool manages a set of worker.Worker instances under a scaling policy,
// grounded on services/orchestrator/dag_engine.go's worker-goroutine-plus-coordinator idiom.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/resilience"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/taskqueue"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/worker"
)

// Policy controls how the pool's worker count changes over time.
type Policy string

const (
	PolicyFixed  Policy = "FIXED"
	PolicyManual Policy = "MANUAL"
	PolicyAuto   Policy = "AUTO"
)

// Config parameterizes a Pool.
type Config struct {
	Policy Policy

	InitialWorkers int
	MinWorkers     int
	MaxWorkers     int

	ScaleUpThreshold   int // pending_depth above which AUTO adds a worker
	ScaleDownThreshold int // pending_depth below which AUTO removes an idle worker
	CooldownUp         time.Duration
	CooldownDown       time.Duration
	ScaleCheckInterval time.Duration // default ~10s, per spec

	HealthCheckInterval  time.Duration
	UnhealthyThreshold   int // consecutive errors before a worker is replaced
	MetricsInterval      time.Duration
	MetricsRingSize      int

	WorkerConfig worker.Config // template applied to every worker (ID is overwritten)
}

func (c *Config) applyDefaults() {
	if c.ScaleCheckInterval <= 0 {
		c.ScaleCheckInterval = 10 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 15 * time.Second
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 30 * time.Second
	}
	if c.MetricsRingSize <= 0 {
		c.MetricsRingSize = 60
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.InitialWorkers <= 0 {
		c.InitialWorkers = c.MinWorkers
	}
}

type managedWorker struct {
	w      *worker.Worker
	cancel context.CancelFunc
}

// Snapshot is one point-in-time pool metrics reading, retained in a bounded ring per spec.
type Snapshot struct {
	At          time.Time `json:"at"`
	WorkerCount int       `json:"worker_count"`
	PendingDepth int      `json:"pending_depth"`
}

// Pool manages N identically-configured workers against a shared Queue.
type Pool struct {
	cfg      Config
	queue    *taskqueue.Queue
	stack    *resilience.Stack
	handlers map[string]worker.Handler
	logger   *slog.Logger

	pendingDepth func() int // caller-supplied gauge of queue pending depth

	mu          sync.Mutex
	workers     map[string]*managedWorker
	lastScaleUp time.Time
	lastScaleDown time.Time

	metricsMu sync.Mutex
	metrics   []Snapshot

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Pool. pendingDepth reports the queue's current pending task count, used by
// the AUTO scaling loop.
func New(cfg Config, queue *taskqueue.Queue, stack *resilience.Stack, handlers map[string]worker.Handler,
	pendingDepth func() int, logger *slog.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:          cfg,
		queue:        queue,
		stack:        stack,
		handlers:     handlers,
		pendingDepth: pendingDepth,
		logger:       logger,
		workers:      make(map[string]*managedWorker),
		stopCh:       make(chan struct{}),
	}
}

// Start launches InitialWorkers and the health and metrics loops, plus, for PolicyAuto, the
// scaling loop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	for i := 0; i < p.cfg.InitialWorkers; i++ {
		p.addWorkerLocked(ctx)
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.healthLoop(ctx)

	if p.cfg.Policy == PolicyAuto {
		p.wg.Add(1)
		go p.scaleLoop(ctx)
	}

	p.wg.Add(1)
	go p.metricsLoop(ctx)
}

// Stop signals every worker to drain and waits for the pool's internal loops to exit.
func (p *Pool) Stop() {
	close(p.stopCh)

	p.mu.Lock()
	workers := make([]*managedWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, mw := range workers {
		mw.cancel()
		mw.w.Stop()
	}
	p.wg.Wait()
}

func (p *Pool) addWorkerLocked(ctx context.Context) {
	id := uuid.NewString()
	cfg := p.cfg.WorkerConfig
	cfg.ID = id

	workerCtx, cancel := context.WithCancel(ctx)
	w := worker.New(cfg, p.queue, p.stack, p.handlers, p.logger)
	p.workers[id] = &managedWorker{w: w, cancel: cancel}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.Run(workerCtx)
	}()
}

func (p *Pool) removeIdleWorkerLocked() bool {
	for id, mw := range p.workers {
		if mw.w.Status() == worker.StatusIdle {
			mw.cancel()
			mw.w.Stop()
			delete(p.workers, id)
			return true
		}
	}
	return false
}

// WorkerCount returns the number of workers currently managed by the pool.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) scaleLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ScaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evaluateScale(ctx)
		}
	}
}

func (p *Pool) evaluateScale(ctx context.Context) {
	depth := 0
	if p.pendingDepth != nil {
		depth = p.pendingDepth()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.workers)
	now := time.Now()

	if depth > p.cfg.ScaleUpThreshold && n < p.cfg.MaxWorkers && now.Sub(p.lastScaleUp) >= p.cfg.CooldownUp {
		p.addWorkerLocked(ctx)
		p.lastScaleUp = now
		p.logger.Info("workerpool: scaled up", "pending_depth", depth, "workers", n+1)
		return
	}

	if depth < p.cfg.ScaleDownThreshold && n > p.cfg.MinWorkers && now.Sub(p.lastScaleDown) >= p.cfg.CooldownDown {
		if p.removeIdleWorkerLocked() {
			p.lastScaleDown = now
			p.logger.Info("workerpool: scaled down", "pending_depth", depth, "workers", n-1)
		}
	}
}

func (p *Pool) healthLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evaluateHealth(ctx)
		}
	}
}

func (p *Pool) evaluateHealth(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, mw := range p.workers {
		if mw.w.ConsecutiveErrors() < p.cfg.UnhealthyThreshold {
			continue
		}
		p.logger.Warn("workerpool: replacing unhealthy worker", "worker_id", id,
			"consecutive_errors", mw.w.ConsecutiveErrors())
		mw.cancel()
		mw.w.Stop()
		delete(p.workers, id)
		p.addWorkerLocked(ctx)
	}
}

func (p *Pool) metricsLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.snapshotMetrics()
		}
	}
}

func (p *Pool) snapshotMetrics() {
	depth := 0
	if p.pendingDepth != nil {
		depth = p.pendingDepth()
	}

	s := Snapshot{At: time.Now(), WorkerCount: p.WorkerCount(), PendingDepth: depth}

	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	p.metrics = append(p.metrics, s)
	if len(p.metrics) > p.cfg.MetricsRingSize {
		p.metrics = p.metrics[len(p.metrics)-p.cfg.MetricsRingSize:]
	}
}

// MetricsSnapshots returns the retained ring of periodic pool snapshots.
func (p *Pool) MetricsSnapshots() []Snapshot {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	out := make([]Snapshot, len(p.metrics))
	copy(out, p.metrics)
	return out
}

// AddManual adds one worker, valid for PolicyManual pools (and usable regardless of policy).
func (p *Pool) AddManual(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) >= p.cfg.MaxWorkers {
		return fmt.Errorf("workerpool: at max_workers (%d)", p.cfg.MaxWorkers)
	}
	p.addWorkerLocked(ctx)
	return nil
}

// RemoveManual removes one idle worker, valid for PolicyManual pools.
func (p *Pool) RemoveManual() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) <= p.cfg.MinWorkers {
		return fmt.Errorf("workerpool: at min_workers (%d)", p.cfg.MinWorkers)
	}
	if !p.removeIdleWorkerLocked() {
		return fmt.Errorf("workerpool: no idle worker available to remove")
	}
	return nil
}
