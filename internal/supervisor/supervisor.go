package supervisor

import (
	"context"
	"log"
	"sync"
)

// Loop is one long-running background task. It must return promptly once
// its context is cancelled.
type Loop func(ctx context.Context)

type task struct {
	name string
	run  Loop
}

// Supervisor owns the process's background loops. Init starts every
// registered loop; Stop requests cooperative cancellation and waits for
// each to confirm it has stopped.
type Supervisor struct {
	mu      sync.Mutex
	tasks   []task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New() *Supervisor {
	return &Supervisor{}
}

// Register adds a named loop. Registration after Start is a programming
// error and is ignored with a log line rather than a race.
func (s *Supervisor) Register(name string, run Loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		log.Printf("[ERROR] Supervisor already started, cannot register %q", name)
		return
	}
	s.tasks = append(s.tasks, task{name: name, run: run})
}

// Start launches every registered loop under one cancellable context.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, t := range s.tasks {
		t := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.Printf("[INFO] Background loop %q started", t.name)
			t.run(ctx)
			log.Printf("[INFO] Background loop %q stopped", t.name)
		}()
	}
}

// Stop cancels all loops and blocks until each has exited.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
