// Package scheduler runs the recurring background passes: appliance
// discovery, DVR catalog sync, and guide refresh. Each task runs on its own
// cron schedule, one instance at a time; a tick that lands while the
// previous run is still going is skipped, not queued.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tunerhub/models"
)

// Task is one recurring job. Schedule takes a cron expression or an @every
// descriptor. A zero Timeout means the run gets no deadline. StartupRun
// fires the task once as soon as the scheduler starts.
type Task struct {
	Name       string
	Schedule   string
	Timeout    time.Duration
	StartupRun bool
	Run        func(ctx context.Context) error
}

// TaskStatus is the externally visible state of one task.
type TaskStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Running   bool       `json:"running"`
	Runs      int        `json:"runs"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	LastError string     `json:"lastError,omitempty"`
	NextRun   *time.Time `json:"nextRun,omitempty"`
}

type taskState struct {
	task    Task
	entry   cron.EntryID
	running bool
	runs    int
	lastRun time.Time
	lastErr string
}

// Service owns the cron runner and the per-task state.
type Service struct {
	cron *cron.Cron

	mu      sync.Mutex
	tasks   map[string]*taskState
	order   []string
	started bool

	wg sync.WaitGroup
}

func NewService() *Service {
	return &Service{
		cron:  cron.New(),
		tasks: make(map[string]*taskState),
	}
}

// Register adds a task. Tasks must be registered before Start.
func (s *Service) Register(task Task) error {
	if task.Name == "" || task.Run == nil {
		return fmt.Errorf("register task: %w: name and run required", models.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("register %s: scheduler already started", task.Name)
	}
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("register %s: duplicate task name", task.Name)
	}

	name := task.Name
	entry, err := s.cron.AddFunc(task.Schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("register %s: bad schedule %q: %w", task.Name, task.Schedule, err)
	}

	s.tasks[task.Name] = &taskState{task: task, entry: entry}
	s.order = append(s.order, task.Name)
	return nil
}

// Start begins schedule evaluation and fires every StartupRun task once.
func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	var startup []string
	for _, name := range s.order {
		if s.tasks[name].task.StartupRun {
			startup = append(startup, name)
		}
	}
	s.mu.Unlock()

	for _, name := range startup {
		name := name
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(name)
		}()
	}

	s.cron.Start()
	log.Printf("[scheduler] started with %d tasks", len(s.order))
}

// Stop halts schedule evaluation and waits for in-flight runs until ctx
// expires.
func (s *Service) Stop(ctx context.Context) {
	cronDone := s.cron.Stop()

	manualDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(manualDone)
	}()

	for _, ch := range []<-chan struct{}{cronDone.Done(), manualDone} {
		select {
		case <-ch:
		case <-ctx.Done():
			log.Printf("[scheduler] stopped with tasks still running")
			return
		}
	}
	log.Printf("[scheduler] stopped")
}

// RunNow triggers a task outside its schedule. The run happens in the
// background; a task already in flight reports Busy instead of stacking.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	st, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", name, models.ErrNotFound)
	}
	if st.running {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", name, models.ErrBusy)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(name)
	}()
	return nil
}

// Status reports every task in registration order.
func (s *Service) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.order))
	for _, name := range s.order {
		st := s.tasks[name]
		status := TaskStatus{
			Name:      name,
			Schedule:  st.task.Schedule,
			Running:   st.running,
			Runs:      st.runs,
			LastError: st.lastErr,
		}
		if !st.lastRun.IsZero() {
			lastRun := st.lastRun
			status.LastRun = &lastRun
		}
		if s.started {
			if next := s.cron.Entry(st.entry).Next; !next.IsZero() {
				status.NextRun = &next
			}
		}
		out = append(out, status)
	}
	return out
}

func (s *Service) execute(name string) {
	s.mu.Lock()
	st, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	if st.running {
		s.mu.Unlock()
		log.Printf("[scheduler] %s still running, skipping this tick", name)
		return
	}
	st.running = true
	timeout := st.task.Timeout
	run := st.task.Run
	s.mu.Unlock()

	start := time.Now()
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	err := run(ctx)
	cancel()

	s.mu.Lock()
	st.running = false
	st.runs++
	st.lastRun = time.Now().UTC()
	if err != nil {
		st.lastErr = err.Error()
	} else {
		st.lastErr = ""
	}
	s.mu.Unlock()

	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		log.Printf("[scheduler] %s failed after %s: %v", name, elapsed, err)
		return
	}
	log.Printf("[scheduler] %s finished in %s", name, elapsed)
}
