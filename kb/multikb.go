package kb

import (
	"context"
	"fmt"
	"sort"
)

// Strategy is the set of KBs consulted for a query, chosen by the intent
// router (component G).
type Strategy string

const (
	StrategyGeneral          Strategy = "general"
	StrategyVisaFree         Strategy = "visa_free"
	StrategyAirline          Strategy = "airline"
	StrategyAirlineVisaFree  Strategy = "airline_visa_free"
)

// MultiKBRetriever orchestrates per-KB HybridRetrievers under the fixed
// merge templates of spec.md §4.E. Every non-general strategy includes the
// general KB as a safety net; this is load-bearing and not configurable.
type MultiKBRetriever struct {
	retrievers map[string]Retriever // KB name -> retriever
}

// NewMultiKBRetriever builds a merger over the given named retrievers. The
// "general" KB must be present; it is this merger's safety net.
func NewMultiKBRetriever(retrievers map[string]Retriever) (*MultiKBRetriever, error) {
	if _, ok := retrievers["general"]; !ok {
		return nil, fmt.Errorf("kb: multi-KB retriever requires a \"general\" KB")
	}
	return &MultiKBRetriever{retrievers: retrievers}, nil
}

// strategyPlan names the KBs consulted, the per-KB top-N slot size, and the
// fixed total return count for a strategy.
type strategyPlan struct {
	kbs         []string
	slotSize    int
	returnCount int
}

func (m *MultiKBRetriever) plan(strategy Strategy, generalReturnCount int) strategyPlan {
	switch strategy {
	case StrategyGeneral:
		return strategyPlan{kbs: []string{"general"}, slotSize: generalReturnCount, returnCount: generalReturnCount}
	case StrategyVisaFree:
		return strategyPlan{kbs: []string{"visa_free", "general"}, slotSize: 5, returnCount: 15}
	case StrategyAirline:
		return strategyPlan{kbs: []string{"airline", "general"}, slotSize: 5, returnCount: 15}
	case StrategyAirlineVisaFree:
		return strategyPlan{kbs: []string{"airline", "visa_free", "general"}, slotSize: 5, returnCount: 20}
	default:
		return strategyPlan{kbs: []string{"general"}, slotSize: generalReturnCount, returnCount: generalReturnCount}
	}
}

// Retrieve runs the given strategy, returning a deduplicated, score-sorted
// list of the fixed size the strategy prescribes.
//
// generalReturnCount is the caller's rerank_top_n, used only by the
// "general" strategy (every other strategy's return count is fixed, not
// derived from the caller, per spec.md §4.E).
func (m *MultiKBRetriever) Retrieve(ctx context.Context, strategy Strategy, query string, generalReturnCount int) ([]ScoredNode, error) {
	if generalReturnCount <= 0 {
		generalReturnCount = 15
	}
	plan := m.plan(strategy, generalReturnCount)

	perKB := make(map[string][]ScoredNode, len(plan.kbs))
	for _, name := range plan.kbs {
		retriever, ok := m.retrievers[name]
		if !ok {
			continue // optional KB (visa_free/airline) not loaded; proceed without it
		}
		nodes, err := retriever.Retrieve(ctx, query, WithTopK(30))
		if err != nil {
			continue // a single KB failing degrades that KB's contribution, not the whole request
		}
		for i := range nodes {
			nodes[i].KBSource = name
		}
		perKB[name] = nodes
	}

	if strategy == StrategyGeneral {
		nodes := perKB["general"]
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].InitialScore > nodes[j].InitialScore })
		if len(nodes) > plan.returnCount {
			nodes = nodes[:plan.returnCount]
		}
		return nodes, nil
	}

	return mergeWithSafetyNet(perKB, plan), nil
}

// mergeWithSafetyNet implements the per-KB-slot + comparative-remainder
// composition rule, deduplicated by node id, first occurrence wins, sorted
// by initial_score desc.
func mergeWithSafetyNet(perKB map[string][]ScoredNode, plan strategyPlan) []ScoredNode {
	seen := make(map[string]bool)
	var accepted []ScoredNode
	remainderByKB := make(map[string][]ScoredNode, len(plan.kbs))

	for _, name := range plan.kbs {
		nodes := perKB[name]
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].InitialScore > nodes[j].InitialScore })
		slot := plan.slotSize
		if slot > len(nodes) {
			slot = len(nodes)
		}
		for _, n := range nodes[:slot] {
			if seen[n.Node.ID] {
				continue
			}
			seen[n.Node.ID] = true
			accepted = append(accepted, n)
		}
		remainderByKB[name] = nodes[slot:]
	}

	var remainder []ScoredNode
	for _, name := range plan.kbs {
		for _, n := range remainderByKB[name] {
			if seen[n.Node.ID] {
				continue
			}
			remainder = append(remainder, n)
		}
	}
	sort.Slice(remainder, func(i, j int) bool { return remainder[i].InitialScore > remainder[j].InitialScore })

	needed := plan.returnCount - len(accepted)
	if needed > 0 {
		comparativeSlot := needed
		if comparativeSlot > 5 {
			comparativeSlot = 5
		}
		if comparativeSlot > len(remainder) {
			comparativeSlot = len(remainder)
		}
		for _, n := range remainder[:comparativeSlot] {
			if seen[n.Node.ID] {
				continue
			}
			seen[n.Node.ID] = true
			accepted = append(accepted, n)
		}
	}

	// If still short of returnCount (sparse KBs), keep pulling from the
	// pooled remainder regardless of origin, highest-scored first.
	for _, n := range remainder {
		if len(accepted) >= plan.returnCount {
			break
		}
		if seen[n.Node.ID] {
			continue
		}
		seen[n.Node.ID] = true
		accepted = append(accepted, n)
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].InitialScore > accepted[j].InitialScore })
	if len(accepted) > plan.returnCount {
		accepted = accepted[:plan.returnCount]
	}
	return accepted
}
