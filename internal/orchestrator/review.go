package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/config"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/proposal"
)

// Decision is the outcome of reviewing a proposal.
type Decision string

const (
	DecisionApproved      Decision = "approved"
	DecisionRejected      Decision = "rejected"
	DecisionPendingManual Decision = "pending_manual"
)

// ReviewRequest asks for a decision on one proposal.
type ReviewRequest struct {
	RunID    string
	TaskID   string
	AgentID  string
	Proposal *proposal.Proposal
}

// ReviewResult is a gate's answer. Only approved proposals are applied.
type ReviewResult struct {
	Decision Decision
	Reason   string
}

// ReviewGate decides what happens to a sandbox proposal.
type ReviewGate interface {
	Review(ctx context.Context, req ReviewRequest) (ReviewResult, error)
}

// ManualGate leaves every proposal for a human to apply later.
type ManualGate struct{}

func (ManualGate) Review(_ context.Context, req ReviewRequest) (ReviewResult, error) {
	return ReviewResult{
		Decision: DecisionPendingManual,
		Reason:   fmt.Sprintf("awaiting manual review: agentcanvas apply %s %s", req.RunID, req.AgentID),
	}, nil
}

// AutoGate approves proposals that stay within their scope.
type AutoGate struct{}

func (AutoGate) Review(_ context.Context, req ReviewRequest) (ReviewResult, error) {
	if req.Proposal == nil || req.Proposal.Empty() {
		return ReviewResult{Decision: DecisionRejected, Reason: "no changes"}, nil
	}
	if !req.Proposal.InScope() {
		return ReviewResult{
			Decision: DecisionRejected,
			Reason:   "out of scope: " + strings.Join(req.Proposal.Manifest.OutOfScope, ", "),
		}, nil
	}
	return ReviewResult{Decision: DecisionApproved, Reason: "within scope"}, nil
}

// InteractiveGate forwards proposals to a ReviewDesk and waits for the answer.
type InteractiveGate struct {
	Desk *ReviewDesk
}

func (g InteractiveGate) Review(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	return g.Desk.Submit(ctx, req)
}

// NewReviewGate returns the gate for a configured policy. desk is only
// needed for the interactive policy.
func NewReviewGate(policy string, desk *ReviewDesk) (ReviewGate, error) {
	switch policy {
	case "", config.ReviewManual:
		return ManualGate{}, nil
	case config.ReviewAuto:
		return AutoGate{}, nil
	case config.ReviewInteractive:
		if desk == nil {
			return nil, errors.New("interactive review requires a review desk")
		}
		return InteractiveGate{Desk: desk}, nil
	default:
		return nil, fmt.Errorf("unknown review policy %q", policy)
	}
}

// DecideFunc is how the host answers a review request, e.g. by prompting the user.
type DecideFunc func(ctx context.Context, req ReviewRequest) (ReviewResult, error)

type pendingReview struct {
	req        ReviewRequest
	responseCh chan reviewAnswer
}

type reviewAnswer struct {
	result ReviewResult
	err    error
}

// ReviewDesk serializes review requests from any number of runs onto one
// decision function.
type ReviewDesk struct {
	requestCh chan pendingReview
	decide    DecideFunc
	done      chan struct{}
}

// NewReviewDesk creates a desk with the given request buffer.
func NewReviewDesk(bufferSize int, decide DecideFunc) *ReviewDesk {
	return &ReviewDesk{
		requestCh: make(chan pendingReview, bufferSize),
		decide:    decide,
		done:      make(chan struct{}),
	}
}

// Start launches the handler goroutine. It runs until ctx is cancelled.
func (d *ReviewDesk) Start(ctx context.Context) {
	go d.handle(ctx)
}

func (d *ReviewDesk) handle(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-d.requestCh:
			result, err := d.decide(ctx, p.req)
			if ctx.Err() != nil {
				p.responseCh <- reviewAnswer{err: ctx.Err()}
				return
			}
			p.responseCh <- reviewAnswer{result: result, err: err}
		}
	}
}

// Submit queues req and waits for its decision.
func (d *ReviewDesk) Submit(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	p := pendingReview{req: req, responseCh: make(chan reviewAnswer, 1)}

	select {
	case d.requestCh <- p:
	case <-d.done:
		return ReviewResult{}, errors.New("review desk is stopped")
	case <-ctx.Done():
		return ReviewResult{}, ctx.Err()
	}

	select {
	case answer := <-p.responseCh:
		return answer.result, answer.err
	case <-d.done:
		// The handler answers before it exits.
		select {
		case answer := <-p.responseCh:
			return answer.result, answer.err
		default:
			return ReviewResult{}, errors.New("review desk is stopped")
		}
	case <-ctx.Done():
		return ReviewResult{}, ctx.Err()
	}
}

// Stop blocks until the handler goroutine has exited.
func (d *ReviewDesk) Stop() {
	<-d.done
}
