// Package blockdetect classifies fetch outcomes as clean or blocked using
// cheap response heuristics.
package blockdetect

import (
	"bytes"
	"time"

	"github.com/zhoudan/ecomspider/internal/spider"
)

// Classifier inspects status, body, and timing of a response. Any single
// indicator firing marks the outcome blocked; a missing body is treated as
// blocked rather than clean.
type Classifier struct {
	// BlockStatuses are HTTP status codes that always indicate a block.
	BlockStatuses []int
	// Phrases are byte sequences whose presence in the body marks a block
	// (captcha prompts, rate-limit notices).
	Phrases [][]byte
	// MinBodyBytes flags suspiciously small bodies on 200 responses.
	MinBodyBytes int
	// MaxElapsed flags responses slower than the throttling threshold.
	MaxElapsed time.Duration
}

// New builds a Classifier from the configured status list and phrase strings.
func New(statuses []int, phrases []string, minBodyBytes int, maxElapsed time.Duration) *Classifier {
	needles := make([][]byte, 0, len(phrases))
	for _, p := range phrases {
		if p != "" {
			needles = append(needles, []byte(p))
		}
	}
	return &Classifier{
		BlockStatuses: statuses,
		Phrases:       needles,
		MinBodyBytes:  minBodyBytes,
		MaxElapsed:    maxElapsed,
	}
}

// Classify returns the verdict for one fetch outcome.
func (c *Classifier) Classify(outcome spider.FetchOutcome) spider.Verdict {
	for _, status := range c.BlockStatuses {
		if outcome.StatusCode == status {
			return spider.VerdictBlocked
		}
	}
	if len(outcome.Body) == 0 {
		return spider.VerdictBlocked
	}
	if outcome.StatusCode == 200 && c.MinBodyBytes > 0 && len(outcome.Body) < c.MinBodyBytes {
		return spider.VerdictBlocked
	}
	for _, needle := range c.Phrases {
		if bytes.Contains(outcome.Body, needle) {
			return spider.VerdictBlocked
		}
	}
	if c.MaxElapsed > 0 && outcome.Elapsed > c.MaxElapsed {
		return spider.VerdictBlocked
	}
	return spider.VerdictClean
}
