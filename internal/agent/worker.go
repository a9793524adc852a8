package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/osaproject/osa/internal/sessions"
)

var (
	// ErrSessionBusy is returned when a session's mailbox is full.
	ErrSessionBusy = errors.New("session mailbox full")
	// ErrShuttingDown is returned for submissions after shutdown started.
	ErrShuttingDown = errors.New("runtime shutting down")
)

const (
	mailboxSize       = 16
	defaultIdleExpiry = 10 * time.Minute
)

// Outcome is the terminal result of one submitted run.
type Outcome struct {
	Result *RunResult
	Err    error
}

type job struct {
	req   RunRequest
	reply chan Outcome
}

type worker struct {
	id      string
	mailbox chan job

	mu        sync.Mutex
	cancelRun context.CancelFunc
}

// Runtime owns one worker goroutine per active session. Messages for the
// same session are processed strictly in order; different sessions run
// concurrently. Idle workers expire and release their registration.
type Runtime struct {
	loop       *Loop
	sessions   *sessions.Manager
	idleExpiry time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	root       context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

func NewRuntime(loop *Loop, mgr *sessions.Manager) *Runtime {
	root, cancel := context.WithCancel(context.Background())
	return &Runtime{
		loop:       loop,
		sessions:   mgr,
		idleExpiry: defaultIdleExpiry,
		workers:    make(map[string]*worker),
		root:       root,
		rootCancel: cancel,
	}
}

// SetIdleExpiry adjusts how long an idle worker lingers before releasing its
// session registration.
func (r *Runtime) SetIdleExpiry(d time.Duration) {
	if d > 0 {
		r.mu.Lock()
		r.idleExpiry = d
		r.mu.Unlock()
	}
}

func (r *Runtime) idleDur() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idleExpiry
}

// Submit queues a run on the session's worker, spawning it on first use.
// The returned channel delivers exactly one Outcome.
func (r *Runtime) Submit(req RunRequest) (<-chan Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrShuttingDown
	}

	w, ok := r.workers[req.SessionID]
	if !ok {
		if err := r.sessions.Register(req.SessionID); err != nil {
			// A registration held by no worker of ours means another
			// component claimed the session.
			return nil, err
		}
		w = &worker{id: req.SessionID, mailbox: make(chan job, mailboxSize)}
		r.workers[req.SessionID] = w
		r.wg.Add(1)
		go r.runWorker(w)
	}

	reply := make(chan Outcome, 1)
	select {
	case w.mailbox <- job{req: req, reply: reply}:
		return reply, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, req.SessionID)
	}
}

// Cancel aborts the session's in-flight run, if any. Queued jobs still run.
func (r *Runtime) Cancel(sessionID string) bool {
	r.mu.Lock()
	w, ok := r.workers[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelRun == nil {
		return false
	}
	w.cancelRun()
	return true
}

// ActiveSessions returns the session IDs with a live worker.
func (r *Runtime) ActiveSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops accepting work, cancels in-flight runs, and waits for
// workers to drain or ctx to expire.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.rootCancel()

	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) runWorker(w *worker) {
	defer r.wg.Done()

	idle := time.NewTimer(r.idleDur())
	defer idle.Stop()

	for {
		select {
		case <-r.root.Done():
			r.retire(w)
			r.drainMailbox(w)
			return

		case j := <-w.mailbox:
			r.process(w, j)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.idleDur())

		case <-idle.C:
			// Retire only when no job raced in.
			r.mu.Lock()
			if len(w.mailbox) > 0 {
				r.mu.Unlock()
				idle.Reset(r.idleDur())
				continue
			}
			delete(r.workers, w.id)
			r.mu.Unlock()
			r.sessions.Unregister(w.id)
			slog.Debug("session worker retired", "session", w.id)
			return
		}
	}
}

func (r *Runtime) process(w *worker, j job) {
	runCtx, cancel := context.WithCancel(r.root)
	w.mu.Lock()
	w.cancelRun = cancel
	w.mu.Unlock()

	result, err := r.loop.Run(runCtx, j.req)

	w.mu.Lock()
	w.cancelRun = nil
	w.mu.Unlock()
	cancel()

	j.reply <- Outcome{Result: result, Err: err}
}

func (r *Runtime) retire(w *worker) {
	r.mu.Lock()
	delete(r.workers, w.id)
	r.mu.Unlock()
	r.sessions.Unregister(w.id)
}

func (r *Runtime) drainMailbox(w *worker) {
	for {
		select {
		case j := <-w.mailbox:
			j.reply <- Outcome{Err: ErrShuttingDown}
		default:
			return
		}
	}
}
