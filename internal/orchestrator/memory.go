package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/events"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/persistence"
)

// charsPerToken is the rough ratio used for memory budgets.
const charsPerToken = 4

// MemoryItem is one piece of retrieved context.
type MemoryItem struct {
	Source  string
	Content string
	Score   float64
}

// Tokens estimates the item's prompt cost.
func (m MemoryItem) Tokens() int { return estimateTokens(m.Content) }

func estimateTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// ContextRetriever returns prior knowledge relevant to a task instruction,
// best first, within a token budget.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, budgetTokens int) ([]MemoryItem, error)
}

// NopRetriever never returns anything.
type NopRetriever struct{}

func (NopRetriever) Retrieve(context.Context, string, int) ([]MemoryItem, error) { return nil, nil }

// HistoryRetriever ranks the outputs of earlier agent invocations recorded
// in the event log by term overlap with the query.
type HistoryRetriever struct {
	log     persistence.Store
	maxRuns int
}

// NewHistoryRetriever searches the maxRuns most recent runs (all when <= 0).
func NewHistoryRetriever(log persistence.Store, maxRuns int) *HistoryRetriever {
	return &HistoryRetriever{log: log, maxRuns: maxRuns}
}

// Retrieve implements ContextRetriever.
func (h *HistoryRetriever) Retrieve(ctx context.Context, query string, budgetTokens int) ([]MemoryItem, error) {
	terms := queryTerms(query)
	if len(terms) == 0 || budgetTokens <= 0 {
		return nil, nil
	}

	runs, err := h.log.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if h.maxRuns > 0 && len(runs) > h.maxRuns {
		runs = runs[:h.maxRuns]
	}

	var candidates []MemoryItem
	for _, run := range runs {
		records, err := h.log.ListEvents(ctx, run.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list events of %s: %w", run.ID, err)
		}
		for _, rec := range records {
			if rec.Type != events.EventTypeNodeOutput {
				continue
			}
			ev, err := events.Unmarshal(rec.Type, rec.Payload)
			if err != nil {
				continue
			}
			out := ev.(events.NodeOutputEvent)
			score := overlap(terms, out.Output)
			if score == 0 {
				continue
			}
			candidates = append(candidates, MemoryItem{
				Source:  run.ID + "/" + rec.TaskID,
				Content: strings.TrimSpace(out.Output),
				Score:   score,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Source < candidates[j].Source
	})

	var (
		picked []MemoryItem
		used   int
	)
	for _, c := range candidates {
		cost := c.Tokens()
		if used+cost > budgetTokens {
			continue
		}
		used += cost
		picked = append(picked, c)
	}
	return picked, nil
}

// queryTerms lowercases and splits the query, keeping distinct words of at
// least three characters.
func queryTerms(query string) map[string]bool {
	terms := make(map[string]bool)
	for _, w := range splitWords(query) {
		if len(w) >= 3 {
			terms[w] = true
		}
	}
	return terms
}

func splitWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// overlap is the share of query terms present in text.
func overlap(terms map[string]bool, text string) float64 {
	seen := make(map[string]bool)
	for _, w := range splitWords(text) {
		if terms[w] {
			seen[w] = true
		}
	}
	return float64(len(seen)) / float64(len(terms))
}
