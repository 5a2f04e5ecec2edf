package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc/pool"

	"crewline/internal/domain"
	"crewline/internal/logging"
)

// AllProjects subscribes an observer to every project.
const AllProjects = "*"

const (
	defaultQueueSize   = 256
	defaultParallelism = 8
)

// Observer receives events. Returning an error unsubscribes the observer.
type Observer func(domain.Event) error

type subscription struct {
	id       uint64
	project  string
	observer Observer
}

// Hub fans events out to observers. Delivery happens on a single dispatch goroutine so
// observers see events in publish order; observers of one event run concurrently on a
// bounded pool.
type Hub struct {
	writer *Writer
	log    *log.Logger

	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID atomic.Uint64

	queue     chan domain.Event
	closeOnce sync.Once
	closed    atomic.Bool
	sendMu    sync.RWMutex
	done      chan struct{}
	parallel  int
}

type HubOptions struct {
	// Writer persists events before fan-out. Nil skips persistence.
	Writer    *Writer
	Logger    *log.Logger
	QueueSize int
	// Parallelism caps concurrent observer calls for one event.
	Parallelism int
}

func NewHub(opts HubOptions) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	h := &Hub{
		writer:   opts.Writer,
		log:      logging.OrDiscard(opts.Logger),
		subs:     make(map[string][]subscription),
		queue:    make(chan domain.Event, opts.QueueSize),
		done:     make(chan struct{}),
		parallel: opts.Parallelism,
	}
	go h.dispatch()
	return h
}

// Subscribe registers an observer for a project, or AllProjects. Returns an id for
// Unsubscribe.
func (h *Hub) Subscribe(projectID string, obs Observer) uint64 {
	id := h.nextID.Add(1)
	h.mu.Lock()
	h.subs[projectID] = append(h.subs[projectID], subscription{id: id, project: projectID, observer: obs})
	h.mu.Unlock()
	return id
}

// Unsubscribe removes an observer. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for project, subs := range h.subs {
		for i, s := range subs {
			if s.id != id {
				continue
			}
			h.subs[project] = append(subs[:i:i], subs[i+1:]...)
			if len(h.subs[project]) == 0 {
				delete(h.subs, project)
			}
			return
		}
	}
}

// SubscriptionCount returns the number of observers for a project, not counting
// AllProjects observers unless projectID is AllProjects.
func (h *Hub) SubscriptionCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[projectID])
}

// Publish records the event in the event log and queues it for delivery. It never
// blocks on observers; when the queue is full the event is dropped from fan-out (it is
// still in the log).
func (h *Hub) Publish(ctx context.Context, evt domain.Event) {
	if h.writer != nil {
		stored, err := h.writer.Append(ctx, evt)
		if err != nil {
			h.log.Warn("event log append failed", "type", evt.Type, "project", evt.ProjectID, "err", err)
		}
		evt = stored
	}
	h.sendMu.RLock()
	defer h.sendMu.RUnlock()
	if h.closed.Load() {
		return
	}
	select {
	case h.queue <- evt:
	default:
		h.log.Warn("event queue full, dropping fan-out", "type", evt.Type, "project", evt.ProjectID)
	}
}

// Close stops dispatch after draining queued events.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.sendMu.Lock()
		h.closed.Store(true)
		close(h.queue)
		h.sendMu.Unlock()
		<-h.done
	})
}

func (h *Hub) dispatch() {
	defer close(h.done)
	for evt := range h.queue {
		h.deliver(evt)
	}
}

func (h *Hub) deliver(evt domain.Event) {
	h.mu.RLock()
	targets := make([]subscription, 0, len(h.subs[evt.ProjectID])+len(h.subs[AllProjects]))
	targets = append(targets, h.subs[evt.ProjectID]...)
	if evt.ProjectID != AllProjects {
		targets = append(targets, h.subs[AllProjects]...)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(h.parallel)
	for _, sub := range targets {
		p.Go(func() {
			if err := h.safeCall(sub.observer, evt); err != nil {
				h.log.Warn("observer failed, removing", "subscription", sub.id, "type", evt.Type, "err", err)
				h.Unsubscribe(sub.id)
			}
		})
	}
	p.Wait()
}

func (h *Hub) safeCall(obs Observer, evt domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return obs(evt)
}
