package processor

import (
	"strings"
)

// Quality score weights. Word count dominates; structure and source signal
// refine.
const (
	scoreWeightLength    = 0.5
	scoreWeightStructure = 0.3
	scoreWeightSignal    = 0.2

	targetWordsMin = 600
	targetWordsMax = 2000

	signalCeiling = 500.0
)

// QualityScore rates a rewritten article in [0, 1] from its length, its
// structural markers and the source engagement carried on the topic.
func QualityScore(content string, engagement int) float64 {
	words := len(strings.Fields(content))

	length := 0.0
	switch {
	case words >= targetWordsMin && words <= targetWordsMax:
		length = 1.0
	case words < targetWordsMin:
		length = float64(words) / float64(targetWordsMin)
	default:
		// Past the target range, degrade gently instead of cliff-dropping.
		over := float64(words-targetWordsMax) / float64(targetWordsMax)
		length = 1.0 - over
		if length < 0 {
			length = 0
		}
	}

	structure := structureScore(content)

	signal := float64(engagement) / signalCeiling
	if signal > 1 {
		signal = 1
	}

	return scoreWeightLength*length + scoreWeightStructure*structure + scoreWeightSignal*signal
}

// structureScore checks for headings and paragraph breaks.
func structureScore(content string) float64 {
	score := 0.0
	hasHeading := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			hasHeading = true
			break
		}
	}
	if hasHeading {
		score += 0.5
	}
	if strings.Contains(content, "\n\n") {
		score += 0.5
	}
	return score
}

// WordCount returns the whitespace-separated word count used for scoring and
// the persisted article record.
func WordCount(content string) int {
	return len(strings.Fields(content))
}
