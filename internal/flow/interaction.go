package flow

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Topology names the collaboration pattern an interaction edge uses.
type Topology string

const (
	TopologyDebateJudge Topology = "debate_judge"
	TopologyBlackboard  Topology = "blackboard"
	TopologyBroker      Topology = "broker"
	TopologyRoundRobin  Topology = "round_robin"
	TopologyPeerReview  Topology = "peer_review"
)

var knownTopologies = map[Topology]bool{
	TopologyDebateJudge: true,
	TopologyBlackboard:  true,
	TopologyBroker:      true,
	TopologyRoundRobin:  true,
	TopologyPeerReview:  true,
}

// TerminationKind says when an interaction stops.
type TerminationKind string

const (
	TerminateRounds      TerminationKind = "rounds"
	TerminateTimeout     TerminationKind = "timeout"
	TerminateConsensus   TerminationKind = "consensus"
	TerminateQualityGate TerminationKind = "quality_gate"
)

var qualityOperators = map[string]bool{">=": true, ">": true, "<=": true, "<": true, "==": true}

// InteractionPolicy is attached to interaction edges.
type InteractionPolicy struct {
	PatternID     string            `json:"patternId" yaml:"patternId"`
	Topology      Topology          `json:"topology" yaml:"topology"`
	Termination   *Termination      `json:"termination,omitempty" yaml:"termination,omitempty"`
	Observability *Observability    `json:"observability,omitempty" yaml:"observability,omitempty"`
	Params        InteractionParams `json:"params,omitempty" yaml:"params,omitempty"`
}

// Termination describes the stop condition of an interaction.
type Termination struct {
	Kind      TerminationKind `json:"kind" yaml:"kind"`
	Rounds    int             `json:"rounds,omitempty" yaml:"rounds,omitempty"`
	Ms        int64           `json:"ms,omitempty" yaml:"ms,omitempty"`
	Threshold float64         `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Metric    string          `json:"metric,omitempty" yaml:"metric,omitempty"`
	Operator  string          `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value     *float64        `json:"value,omitempty" yaml:"value,omitempty"`
}

// Observability flags what an interaction records.
type Observability struct {
	Transcript bool `json:"transcript" yaml:"transcript"`
	Metrics    bool `json:"metrics" yaml:"metrics"`
	Trace      bool `json:"trace" yaml:"trace"`
}

// InteractionParams holds topology-specific knobs.
type InteractionParams struct {
	TimeoutMs       int64 `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	RetentionMs     int64 `json:"retentionMs,omitempty" yaml:"retentionMs,omitempty"`
	MaxParticipants int   `json:"maxParticipants,omitempty" yaml:"maxParticipants,omitempty"`
}

// Timeout is the wall-clock limit the policy declares, if any.
func (p *InteractionPolicy) Timeout() (time.Duration, bool) {
	if p == nil {
		return 0, false
	}
	var ms int64
	if p.Termination != nil && p.Termination.Kind == TerminateTimeout && p.Termination.Ms > 0 {
		ms = p.Termination.Ms
	}
	if p.Params.TimeoutMs > 0 && (ms == 0 || p.Params.TimeoutMs < ms) {
		ms = p.Params.TimeoutMs
	}
	if ms == 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// Validate checks one interaction policy. path prefixes error locations.
func (p *InteractionPolicy) Validate(path string) error {
	if p == nil {
		return &ValidationError{Path: path, Reason: "interaction policy is required"}
	}
	var errs []error
	fail := func(field, reason string, args ...any) {
		errs = append(errs, &ValidationError{Path: path + "." + field, Reason: fmt.Sprintf(reason, args...)})
	}

	if strings.TrimSpace(p.PatternID) == "" {
		fail("patternId", "is required")
	}
	if !knownTopologies[p.Topology] {
		fail("topology", "unknown topology %q", p.Topology)
	}

	if p.Termination == nil {
		fail("termination", "is required")
	} else {
		term := p.Termination
		switch term.Kind {
		case TerminateRounds:
			if term.Rounds <= 0 {
				fail("termination.rounds", "must be positive")
			}
		case TerminateTimeout:
			if term.Ms <= 0 {
				fail("termination.ms", "must be positive")
			}
		case TerminateConsensus:
			if !(term.Threshold > 0 && term.Threshold <= 1) {
				fail("termination.threshold", "must be in (0, 1]")
			}
		case TerminateQualityGate:
			if strings.TrimSpace(term.Metric) == "" {
				fail("termination.metric", "is required")
			}
			if !qualityOperators[term.Operator] {
				fail("termination.operator", "unsupported operator %q", term.Operator)
			}
			switch {
			case term.Value == nil:
				fail("termination.value", "is required")
			case math.IsNaN(*term.Value) || math.IsInf(*term.Value, 0):
				fail("termination.value", "must be a finite number")
			}
		default:
			fail("termination.kind", "unknown termination kind %q", term.Kind)
		}
	}

	if p.Observability == nil {
		fail("observability", "flags are required")
	}

	switch p.Topology {
	case TopologyDebateJudge:
		hasTimeout := p.Termination != nil && p.Termination.Kind == TerminateTimeout
		if !hasTimeout && p.Params.TimeoutMs <= 0 {
			fail("params.timeoutMs", "debate with judge needs a timeout termination or a positive timeout")
		}
	case TopologyBlackboard:
		if p.Params.RetentionMs <= 0 {
			fail("params.retentionMs", "blackboard needs a positive retention window")
		}
	}
	if p.Params.MaxParticipants < 0 {
		fail("params.maxParticipants", "must not be negative")
	}

	return errors.Join(errs...)
}

// ValidateInteractionEdges checks the policy of every interaction edge.
func (f *Flow) ValidateInteractionEdges() error {
	var errs []error
	for i, e := range f.Edges {
		if e.Type != EdgeInteraction {
			continue
		}
		if err := e.Interaction.Validate(fmt.Sprintf("edges[%d](%s).interaction", i, e.ID)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
