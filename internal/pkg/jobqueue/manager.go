package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Task is a periodic background sweep run by the Manager.
type Task struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Manager owns the job queue and the periodic sweeps
type Manager struct {
	queue   *Queue
	tasks   []Task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManager creates a manager for queue running tasks on their own tickers
func NewManager(queue *Queue, tasks ...Task) *Manager {
	return &Manager{
		queue:  queue,
		tasks:  tasks,
		stopCh: make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	if m.queue != nil {
		m.queue.Start()
	}

	for _, task := range m.tasks {
		if task.Interval <= 0 || task.Run == nil {
			log.Warnf("[JobQueue Manager] Skipping task %q without interval or run func", task.Name)
			continue
		}
		m.wg.Add(1)
		go m.taskWorker(task, m.stopCh)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	close(m.stopCh)
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	if m.queue != nil {
		m.queue.Stop()
	}

	log.Info("[JobQueue Manager] Stopped successfully")
}

// taskWorker runs task every Interval until stopCh closes
func (m *Manager) taskWorker(task Task, stopCh chan struct{}) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started %s worker (interval: %s)", task.Name, task.Interval)

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			log.Infof("[JobQueue Manager] %s worker stopping", task.Name)
			return
		case <-ticker.C:
			if err := m.runTask(task); err != nil {
				log.Errorf("[JobQueue Manager] %s error: %v", task.Name, err)
			}
		}
	}
}

func (m *Manager) runTask(task Task) error {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = task.Interval
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return task.Run(ctx)
}

// RunTaskOnce triggers a single run of the named task. It reports false when
// no task has that name.
func (m *Manager) RunTaskOnce(name string) (bool, error) {
	for _, task := range m.tasks {
		if task.Name == name {
			return true, m.runTask(task)
		}
	}
	return false, nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
