// Package platform runs long-lived workers under a restart-with-backoff
// supervisor.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"casunet/internal/diag"
)

var (
	ErrWorkerExists = errors.New("worker already running")
	ErrInvalidSpec  = errors.New("invalid worker spec")
)

type RestartPolicy string

const (
	// RestartAlways restarts after any return.
	RestartAlways RestartPolicy = "always"
	// RestartOnFailure restarts only after a non-nil error.
	RestartOnFailure RestartPolicy = "on_failure"
	// RestartNever runs the worker once.
	RestartNever RestartPolicy = "never"
)

type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// MaxRestarts of 0 means unlimited.
	MaxRestarts int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = def.BackoffFactor
	}
	if p.MaxRestarts < 0 {
		p.MaxRestarts = 0
	}
	return p
}

type WorkerFunc func(ctx context.Context) error

type WorkerSpec struct {
	Name    string
	Restart RestartPolicy
	Run     WorkerFunc
}

type WorkerStatus struct {
	Name     string        `json:"name"`
	Restart  RestartPolicy `json:"restart"`
	Restarts int           `json:"restarts"`
	LastErr  string        `json:"last_error,omitempty"`
	Running  bool          `json:"running"`
	GaveUp   bool          `json:"gave_up"`
}

type Hooks struct {
	OnRestart func(name string, err error, restarts int)
	OnGiveUp  func(name string, err error, restarts int)
}

// Supervisor owns a set of named workers. Each worker gets its own context
// derived from the one passed to Start; cancelling that context or calling
// Stop ends the worker without a restart.
type Supervisor struct {
	policy Policy
	hooks  Hooks
	log    *diag.Logger

	mu      sync.Mutex
	workers map[string]*worker
	ended   map[string]WorkerStatus
}

type worker struct {
	spec   WorkerSpec
	cancel context.CancelFunc
	done   chan struct{}

	restarts int
	lastErr  error
	gaveUp   bool
}

func NewSupervisor(policy Policy, hooks Hooks, logger *diag.Logger) *Supervisor {
	return &Supervisor{
		policy:  policy.normalized(),
		hooks:   hooks,
		log:     logger,
		workers: make(map[string]*worker),
		ended:   make(map[string]WorkerStatus),
	}
}

func (s *Supervisor) Start(ctx context.Context, spec WorkerSpec) error {
	if spec.Name == "" || spec.Run == nil {
		return fmt.Errorf("%w: name and run are required", ErrInvalidSpec)
	}
	switch spec.Restart {
	case "":
		spec.Restart = RestartAlways
	case RestartAlways, RestartOnFailure, RestartNever:
	default:
		return fmt.Errorf("%w: restart policy %q", ErrInvalidSpec, spec.Restart)
	}

	s.mu.Lock()
	if _, exists := s.workers[spec.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerExists, spec.Name)
	}
	delete(s.ended, spec.Name)
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{spec: spec, cancel: cancel, done: make(chan struct{})}
	s.workers[spec.Name] = w
	s.mu.Unlock()

	go s.loop(wctx, w)
	return nil
}

func (s *Supervisor) loop(ctx context.Context, w *worker) {
	defer s.finish(w)

	backoff := s.policy.InitialBackoff
	for {
		err := w.spec.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if !w.spec.Restart.restarts(err) {
			s.mu.Lock()
			w.lastErr = err
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		w.lastErr = err
		if s.policy.MaxRestarts > 0 && w.restarts >= s.policy.MaxRestarts {
			w.gaveUp = true
			restarts := w.restarts
			s.mu.Unlock()
			s.log.Error("worker %s gave up after %d restarts: %v", w.spec.Name, restarts, err)
			if s.hooks.OnGiveUp != nil {
				s.hooks.OnGiveUp(w.spec.Name, err, restarts)
			}
			return
		}
		w.restarts++
		restarts := w.restarts
		s.mu.Unlock()

		s.log.Warning("worker %s restarting (%d) in %s: %v", w.spec.Name, restarts, backoff, err)
		if s.hooks.OnRestart != nil {
			s.hooks.OnRestart(w.spec.Name, err, restarts)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = time.Duration(float64(backoff) * s.policy.BackoffFactor)
		if backoff > s.policy.MaxBackoff {
			backoff = s.policy.MaxBackoff
		}
	}
}

func (r RestartPolicy) restarts(err error) bool {
	switch r {
	case RestartNever:
		return false
	case RestartOnFailure:
		return err != nil
	default:
		return true
	}
}

func (s *Supervisor) finish(w *worker) {
	s.mu.Lock()
	if current, ok := s.workers[w.spec.Name]; ok && current == w {
		delete(s.workers, w.spec.Name)
		if w.gaveUp || w.restarts > 0 || w.lastErr != nil {
			s.ended[w.spec.Name] = w.status(false)
		}
	}
	s.mu.Unlock()
	close(w.done)
}

func (w *worker) status(running bool) WorkerStatus {
	st := WorkerStatus{
		Name:     w.spec.Name,
		Restart:  w.spec.Restart,
		Restarts: w.restarts,
		Running:  running,
		GaveUp:   w.gaveUp,
	}
	if w.lastErr != nil {
		st.LastErr = w.lastErr.Error()
	}
	return st
}

// Stop cancels the named worker and waits for it to return.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	w, ok := s.workers[name]
	delete(s.ended, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
}

func (s *Supervisor) StopAll() {
	s.mu.Lock()
	running := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		running = append(running, w)
	}
	s.mu.Unlock()

	for _, w := range running {
		w.cancel()
	}
	for _, w := range running {
		<-w.done
	}
}

// Wait blocks until every worker has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		var next *worker
		for _, w := range s.workers {
			next = w
			break
		}
		s.mu.Unlock()
		if next == nil {
			return nil
		}
		select {
		case <-next.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status reports running workers plus finished ones that failed or restarted.
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerStatus, 0, len(s.workers)+len(s.ended))
	for _, w := range s.workers {
		out = append(out, w.status(true))
	}
	for name, st := range s.ended {
		if _, running := s.workers[name]; running {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
