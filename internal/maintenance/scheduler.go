package maintenance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"aifusion/internal/config"
)

// Scheduler runs the registered tasks in registration order on a cron schedule.
type Scheduler struct {
	config  config.MaintenanceConfig
	cron    *cron.Cron
	tasks   []Task
	status  map[string]TaskStatus
	mu      sync.RWMutex
	runMu   sync.Mutex
	running bool
	logger  *log.Logger
}

// NewScheduler creates a new maintenance scheduler
func NewScheduler(cfg config.MaintenanceConfig, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}

	return &Scheduler{
		config: cfg,
		cron:   cron.New(),
		status: make(map[string]TaskStatus),
		logger: logger,
	}
}

// RegisterTask adds a task. Tasks registered later run later in each pass.
func (s *Scheduler) RegisterTask(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := task.Name()
	if _, exists := s.status[name]; exists {
		return fmt.Errorf("task %s already registered", name)
	}
	s.tasks = append(s.tasks, task)
	s.status[name] = TaskStatus{
		Name:        name,
		Description: task.Description(),
		Schedule:    s.config.Schedule,
	}

	s.logger.Printf("[Maintenance] Registered task: %s", name)
	return nil
}

// Start begins the maintenance scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	if !s.config.Enabled {
		s.logger.Println("[Maintenance] Scheduler disabled in configuration")
		return nil
	}

	if _, err := s.cron.AddFunc(s.config.Schedule, func() {
		s.RunNow(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule maintenance %q: %w", s.config.Schedule, err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Printf("[Maintenance] Scheduler started with %d tasks (%s)", len(s.tasks), s.config.Schedule)
	return nil
}

// Stop stops the maintenance scheduler, waiting up to 30s for a running pass.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.cron.Stop()
	s.running = false
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.logger.Println("[Maintenance] Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		s.logger.Println("[Maintenance] Scheduler stop timed out")
	}
}

// RunNow executes every task once, in order. Passes never overlap.
func (s *Scheduler) RunNow(ctx context.Context) map[string]TaskResult {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.RLock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.RUnlock()

	s.logger.Printf("[Maintenance] Running %d tasks", len(tasks))

	results := make(map[string]TaskResult, len(tasks))
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		results[task.Name()] = s.executeTask(ctx, task)
	}
	return results
}

// GetStatus returns the current status of all maintenance tasks
func (s *Scheduler) GetStatus() map[string]TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := make(map[string]TaskStatus, len(s.status))
	for name, stat := range s.status {
		status[name] = stat
	}

	return status
}

// IsRunning returns true if the scheduler is currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) executeTask(ctx context.Context, task Task) TaskResult {
	name := task.Name()
	s.logger.Printf("[Maintenance] Starting task: %s", name)

	start := time.Now()
	result := task.Execute(ctx)
	result.Duration = time.Since(start)

	s.mu.Lock()
	status := s.status[name]
	status.LastRun = start
	status.LastResult = result
	s.status[name] = status
	s.mu.Unlock()

	if result.Success {
		s.logger.Printf("[Maintenance] Task %s completed in %v: %s", name, result.Duration, result.Message)
	} else {
		s.logger.Printf("[Maintenance] Task %s failed after %v: %s", name, result.Duration, result.Message)
		if result.Error != nil {
			s.logger.Printf("[Maintenance] Task %s error: %v", name, result.Error)
		}
	}
	return result
}
