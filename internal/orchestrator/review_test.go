package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/config"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/proposal"
)

func proposalWith(changed []string, outOfScope []string) *proposal.Proposal {
	p := &proposal.Proposal{}
	for _, c := range changed {
		p.Manifest.ChangedFiles = append(p.Manifest.ChangedFiles, proposal.ChangedFile{Path: c, Status: proposal.FileModified})
	}
	p.Manifest.OutOfScope = outOfScope
	return p
}

func TestManualGate(t *testing.T) {
	res, err := ManualGate{}.Review(context.Background(), ReviewRequest{RunID: "r1", AgentID: "coder", Proposal: proposalWith([]string{"a.go"}, nil)})
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if res.Decision != DecisionPendingManual {
		t.Errorf("expected pending_manual, got %s", res.Decision)
	}
	if !strings.Contains(res.Reason, "apply r1 coder") {
		t.Errorf("reason should tell how to apply: %q", res.Reason)
	}
}

func TestAutoGate(t *testing.T) {
	tests := []struct {
		name     string
		proposal *proposal.Proposal
		want     Decision
	}{
		{"in scope", proposalWith([]string{"a.go"}, nil), DecisionApproved},
		{"out of scope", proposalWith([]string{"a.go", "secret.env"}, []string{"secret.env"}), DecisionRejected},
		{"empty", proposalWith(nil, nil), DecisionRejected},
		{"nil", nil, DecisionRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := AutoGate{}.Review(context.Background(), ReviewRequest{Proposal: tt.proposal})
			if err != nil {
				t.Fatalf("Review failed: %v", err)
			}
			if res.Decision != tt.want {
				t.Errorf("expected %s, got %s (%s)", tt.want, res.Decision, res.Reason)
			}
		})
	}
}

func TestNewReviewGate(t *testing.T) {
	desk := NewReviewDesk(1, nil)
	tests := []struct {
		policy  string
		desk    *ReviewDesk
		want    string
		wantErr bool
	}{
		{policy: "", want: "orchestrator.ManualGate"},
		{policy: config.ReviewManual, want: "orchestrator.ManualGate"},
		{policy: config.ReviewAuto, want: "orchestrator.AutoGate"},
		{policy: config.ReviewInteractive, desk: desk, want: "orchestrator.InteractiveGate"},
		{policy: config.ReviewInteractive, wantErr: true},
		{policy: "yolo", wantErr: true},
	}
	for _, tt := range tests {
		gate, err := NewReviewGate(tt.policy, tt.desk)
		if tt.wantErr {
			if err == nil {
				t.Errorf("policy %q: expected an error", tt.policy)
			}
			continue
		}
		if err != nil {
			t.Fatalf("policy %q: %v", tt.policy, err)
		}
		if got := fmt.Sprintf("%T", gate); got != tt.want {
			t.Errorf("policy %q: expected %s, got %s", tt.policy, tt.want, got)
		}
	}
}

func approveAll(_ context.Context, req ReviewRequest) (ReviewResult, error) {
	return ReviewResult{Decision: DecisionApproved, Reason: "ok " + req.TaskID}, nil
}

func TestReviewDeskSubmit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	desk := NewReviewDesk(4, approveAll)
	desk.Start(ctx)

	gate := InteractiveGate{Desk: desk}
	res, err := gate.Review(ctx, ReviewRequest{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if res.Decision != DecisionApproved || res.Reason != "ok t1" {
		t.Errorf("unexpected result %+v", res)
	}

	cancel()
	desk.Stop()
}

func TestReviewDeskConcurrentSubmitters(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	desk := NewReviewDesk(2, approveAll)
	desk.Start(ctx)
	defer func() {
		cancel()
		desk.Stop()
	}()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reasons = make(map[string]string)
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := desk.Submit(ctx, ReviewRequest{TaskID: id})
			if err != nil {
				t.Errorf("Submit %s failed: %v", id, err)
				return
			}
			mu.Lock()
			reasons[id] = res.Reason
			mu.Unlock()
		}(fmt.Sprintf("t%d", i))
	}
	wg.Wait()

	if len(reasons) != 6 {
		t.Fatalf("expected 6 answers, got %d", len(reasons))
	}
	for id, reason := range reasons {
		if reason != "ok "+id {
			t.Errorf("%s got someone else's answer: %q", id, reason)
		}
	}
}

func TestReviewDeskDecideError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	boom := errors.New("reviewer went home")
	desk := NewReviewDesk(1, func(context.Context, ReviewRequest) (ReviewResult, error) {
		return ReviewResult{}, boom
	})
	desk.Start(ctx)
	defer func() {
		cancel()
		desk.Stop()
	}()

	if _, err := desk.Submit(ctx, ReviewRequest{TaskID: "t1"}); !errors.Is(err, boom) {
		t.Errorf("expected decide error, got %v", err)
	}
}

func TestReviewDeskStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	desk := NewReviewDesk(0, approveAll)
	desk.Start(ctx)
	cancel()
	desk.Stop()

	_, err := desk.Submit(context.Background(), ReviewRequest{TaskID: "late"})
	if err == nil || !strings.Contains(err.Error(), "stopped") {
		t.Errorf("expected stopped error, got %v", err)
	}
}

func TestReviewDeskSubmitCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	release := make(chan struct{})
	desk := NewReviewDesk(0, func(ctx context.Context, _ ReviewRequest) (ReviewResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ReviewResult{Decision: DecisionApproved}, nil
	})
	desk.Start(ctx)
	defer func() {
		close(release)
		cancel()
		desk.Stop()
	}()

	subCtx, subCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer subCancel()
	if _, err := desk.Submit(subCtx, ReviewRequest{TaskID: "slow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
