package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/logging"
	"crewline/internal/repo"
)

const (
	DefaultTimeoutHours = 24

	approvalPrefix = "APPROVAL REQUIRED: "
	autoNotes      = "Auto-approved"
	timeoutNotes   = "Timed out - auto-approved"
)

var (
	ErrApprovalNotFound = fmt.Errorf("approval %w", repo.ErrNotFound)
	ErrAlreadyResolved  = errors.New("approval already resolved")
)

type GateOptions struct {
	AutoApprove  bool
	TimeoutHours int
	Events       events.Publisher
	Logger       *log.Logger
	Now          func() time.Time
}

type pendingApproval struct {
	req  domain.ApprovalRequest
	done chan struct{}
}

// Gate attaches an approval lifecycle to approval_request messages on a Bus.
type Gate struct {
	bus *Bus

	mu        sync.Mutex
	requests  map[string]*pendingApproval
	byMessage map[string]string

	autoApprove  atomic.Bool
	timeoutHours atomic.Int64

	events events.Publisher
	log    *log.Logger
	now    func() time.Time
}

// NewGate attaches a gate to bus. Only one gate per bus is honored; the last one wins.
func NewGate(bus *Bus, opts GateOptions) *Gate {
	g := &Gate{
		bus:       bus,
		requests:  make(map[string]*pendingApproval),
		byMessage: make(map[string]string),
		events:    opts.Events,
		log:       logging.OrDiscard(opts.Logger),
		now:       opts.Now,
	}
	if g.events == nil {
		g.events = events.Nop{}
	}
	if g.now == nil {
		g.now = time.Now
	}
	hours := opts.TimeoutHours
	if hours <= 0 {
		hours = DefaultTimeoutHours
	}
	g.timeoutHours.Store(int64(hours))
	g.autoApprove.Store(opts.AutoApprove)

	bus.mu.Lock()
	bus.gate = g
	bus.mu.Unlock()
	return g
}

func (g *Gate) register(ctx context.Context, msg domain.AgentMessage) domain.ApprovalRequest {
	req := domain.ApprovalRequest{
		ID:           domain.NewID("approval_", 12),
		MessageID:    msg.ID,
		ThreadID:     msg.ThreadID,
		FromAgent:    msg.FromAgent,
		ToAgent:      msg.ToAgent,
		Description:  strings.TrimPrefix(msg.Content, approvalPrefix),
		Context:      copyContext(msg.Context),
		Status:       domain.ApprovalPending,
		CreatedAt:    msg.Timestamp,
		TimeoutHours: int(g.timeoutHours.Load()),
	}
	if err := g.save(ctx, req); err != nil {
		g.log.Error("approval not saved", "id", req.ID, "err", err)
	}
	g.mu.Lock()
	g.requests[req.ID] = &pendingApproval{req: req, done: make(chan struct{})}
	g.byMessage[msg.ID] = req.ID
	g.mu.Unlock()

	g.events.Publish(ctx, domain.Event{
		Type:       events.TypeApprovalRequest,
		ProjectID:  projectOf(req.Context),
		EntityKind: "approval",
		EntityID:   req.ID,
		ActorID:    req.FromAgent,
		Payload:    map[string]any{"approval": req},
	})
	g.log.Info("approval requested", "id", req.ID, "from", req.FromAgent, "to", req.ToAgent)
	return req
}

// RequestApproval sends an approval_request message from -> to and returns the pending
// request created for it.
func (g *Gate) RequestApproval(ctx context.Context, from, to, description string, meta map[string]any) (domain.ApprovalRequest, error) {
	msgID, _, err := g.bus.Send(ctx, SendRequest{
		From:             from,
		To:               to,
		Content:          approvalPrefix + description,
		Type:             domain.MessageApprovalRequest,
		RequiresResponse: true,
		Context:          meta,
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byMessage[msgID]
	if !ok {
		return domain.ApprovalRequest{}, fmt.Errorf("%w: message %s", ErrApprovalNotFound, msgID)
	}
	return g.requests[id].req, nil
}

// WaitForApproval blocks until the request is resolved, the wait times out or ctx is
// done. A zero timeout waits for the request's own timeout_hours. Timing out marks the
// request timeout and reports true so the caller proceeds. With auto-approve enabled a
// pending request is approved on the spot.
func (g *Gate) WaitForApproval(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	g.mu.Lock()
	p, ok := g.requests[id]
	if !ok {
		g.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	if p.req.Status.Terminal() {
		status := p.req.Status
		g.mu.Unlock()
		return status != domain.ApprovalRejected, nil
	}
	hours := p.req.TimeoutHours
	done := p.done
	g.mu.Unlock()

	if g.autoApprove.Load() {
		g.log.Info("auto-approving", "id", id)
		if _, err := g.Resolve(ctx, id, true, autoNotes); err != nil && !errors.Is(err, ErrAlreadyResolved) {
			return false, err
		}
		return g.outcome(id), nil
	}

	if timeout <= 0 {
		timeout = time.Duration(hours) * time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return g.outcome(id), nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		g.log.Warn("approval timed out", "id", id)
		g.expire(ctx, id)
		return g.outcome(id), nil
	}
}

// Resolve records the decision, wakes waiters and sends the response message back to
// the requester. It returns approved.
func (g *Gate) Resolve(ctx context.Context, id string, approved bool, notes string) (bool, error) {
	status := domain.ApprovalRejected
	if approved {
		status = domain.ApprovalApproved
	}
	req, err := g.finish(ctx, id, status, notes)
	if err != nil {
		return false, err
	}
	label := "REJECTED"
	if approved {
		label = "APPROVED"
	}
	if notes == "" {
		notes = "No notes"
	}
	g.respond(ctx, req, label+": "+notes)
	g.log.Info("approval resolved", "id", id, "status", status)
	return approved, nil
}

// ResolveByMessageID resolves the request created for an approval_request message and
// returns its id.
func (g *Gate) ResolveByMessageID(ctx context.Context, messageID string, approved bool, notes string) (string, error) {
	g.mu.Lock()
	id, ok := g.byMessage[messageID]
	g.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: message %s", ErrApprovalNotFound, messageID)
	}
	if _, err := g.Resolve(ctx, id, approved, notes); err != nil {
		return "", err
	}
	return id, nil
}

// ExpireOverdue marks every pending request older than its timeout as timeout. It
// returns the number of requests expired.
func (g *Gate) ExpireOverdue(ctx context.Context) int {
	now := g.now()
	g.mu.Lock()
	var overdue []string
	for id, p := range g.requests {
		if p.req.Status == domain.ApprovalPending && p.req.Expired(now) {
			overdue = append(overdue, id)
		}
	}
	g.mu.Unlock()
	n := 0
	for _, id := range overdue {
		if g.expire(ctx, id) {
			n++
		}
	}
	return n
}

// GetPending lists pending requests addressed to actor, or all when actor is empty,
// oldest first.
func (g *Gate) GetPending(actor string) []domain.ApprovalRequest {
	g.mu.Lock()
	out := make([]domain.ApprovalRequest, 0)
	for _, p := range g.requests {
		if p.req.Status != domain.ApprovalPending {
			continue
		}
		if actor != "" && p.req.ToAgent != actor {
			continue
		}
		out = append(out, p.req)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (g *Gate) Get(id string) (domain.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.requests[id]
	if !ok {
		return domain.ApprovalRequest{}, fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	return p.req, nil
}

func (g *Gate) SetAutoApprove(enabled bool) {
	g.autoApprove.Store(enabled)
	g.log.Info("auto-approve changed", "enabled", enabled)
}

func (g *Gate) AutoApprove() bool { return g.autoApprove.Load() }

// SetTimeout changes the timeout applied to requests created from now on.
func (g *Gate) SetTimeout(hours int) {
	if hours <= 0 {
		hours = DefaultTimeoutHours
	}
	g.timeoutHours.Store(int64(hours))
}

func (g *Gate) TimeoutHours() int { return int(g.timeoutHours.Load()) }

func (g *Gate) expire(ctx context.Context, id string) bool {
	req, err := g.finish(ctx, id, domain.ApprovalTimeout, timeoutNotes)
	if err != nil {
		return false
	}
	g.respond(ctx, req, "TIMEOUT: "+timeoutNotes)
	return true
}

// finish moves a pending request to a terminal status exactly once. The request is
// stored before waiters are woken.
func (g *Gate) finish(ctx context.Context, id string, status domain.ApprovalStatus, notes string) (domain.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.requests[id]
	if !ok {
		return domain.ApprovalRequest{}, fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	if p.req.Status.Terminal() {
		return p.req, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, p.req.Status)
	}
	now := g.now().UTC()
	next := p.req
	next.Status = status
	next.ResolvedAt = &now
	next.ResolutionNotes = notes
	if err := g.save(ctx, next); err != nil {
		return p.req, err
	}
	p.req = next
	close(p.done)
	return p.req, nil
}

func (g *Gate) respond(ctx context.Context, req domain.ApprovalRequest, content string) {
	meta := map[string]any{"approval_id": req.ID}
	if project := projectOf(req.Context); project != "" {
		meta["project_id"] = project
	}
	if _, _, err := g.bus.Send(ctx, SendRequest{
		From:     req.ToAgent,
		To:       req.FromAgent,
		Content:  content,
		Type:     domain.MessageApprovalResponse,
		Context:  meta,
		ThreadID: req.ThreadID,
	}); err != nil {
		g.log.Error("approval response not sent", "id", req.ID, "err", err)
	}
	g.events.Publish(ctx, domain.Event{
		Type:       events.TypeApprovalResolved,
		ProjectID:  projectOf(req.Context),
		EntityKind: "approval",
		EntityID:   req.ID,
		ActorID:    req.ToAgent,
		Payload:    map[string]any{"approval": req},
	})
}

func (g *Gate) outcome(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[id].req.Status != domain.ApprovalRejected
}
