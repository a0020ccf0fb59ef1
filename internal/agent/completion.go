package agent

import (
	"github.com/CK991357/gemini-chat-sub000/internal/research"
	"github.com/CK991357/gemini-chat-sub000/internal/util"
)

// planCompletion estimates how much of the plan the transcript already
// covers, in [0,1]. Each plan step scores by keyword overlap between its
// sub-question and the accumulated findings, weighted so deep steps demand
// more coverage before counting as done.
func planCompletion(plan *research.Plan, steps []research.Step) float64 {
	if plan == nil || len(plan.Steps) == 0 {
		return 0
	}

	covered := make(map[string]struct{})
	for _, step := range steps {
		if !step.Success {
			continue
		}
		for _, tok := range util.Tokenize(step.Observation) {
			covered[tok] = struct{}{}
		}
		for _, tok := range util.Tokenize(step.KeyFinding) {
			covered[tok] = struct{}{}
		}
	}

	var total, done float64
	for _, ps := range plan.Steps {
		weight := 1.0
		if ps.DepthRequired == research.DepthDeep {
			weight = 1.5
		}
		total += weight

		tokens := util.Tokenize(ps.SubQuestion)
		if len(tokens) == 0 {
			done += weight
			continue
		}
		hits := 0
		for _, tok := range tokens {
			if _, ok := covered[tok]; ok {
				hits++
			}
		}
		coverage := float64(hits) / float64(len(tokens))
		need := 0.5
		if ps.DepthRequired == research.DepthDeep {
			need = 0.6
		}
		if coverage >= need {
			done += weight
		}
	}
	if total == 0 {
		return 0
	}
	return done / total
}
