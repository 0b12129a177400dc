package router

import (
	"strings"
	"unicode/utf8"

	"github.com/kailas-cloud/modelmux/internal/domain"
)

// complexityMarkers raise the estimated complexity of a prompt.
var complexityMarkers = []string{
	"```", "explain why", "step by step", "prove", "analyze", "analyse",
	"compare", "trade-off", "tradeoff", "design", "refactor", "derive",
}

// Classify normalizes a request before role selection: a missing urgency
// becomes normal and a missing complexity is estimated from the prompt.
// Caller-supplied values are kept.
func Classify(req domain.Request) domain.Request {
	if req.Urgency == "" {
		req.Urgency = domain.UrgencyNormal
	}
	if req.Complexity == 0 && req.Prompt != "" {
		req.Complexity = EstimateComplexity(req.Prompt)
	}
	return req
}

// EstimateComplexity scores a prompt in [0, 1] from its length and the
// presence of reasoning or code markers.
func EstimateComplexity(prompt string) float64 {
	score := float64(utf8.RuneCountInString(prompt)) / 2000
	if score > 0.6 {
		score = 0.6
	}

	lower := strings.ToLower(prompt)
	for _, m := range complexityMarkers {
		if strings.Contains(lower, m) {
			score += 0.15
		}
	}
	if strings.Count(prompt, "?") > 2 {
		score += 0.1
	}

	if score > 1 {
		return 1
	}
	return score
}
