package models

import (
	"fmt"
	"strings"
)

type Priority string

const (
	Critical Priority = "critical"
	High     Priority = "high"
	Medium   Priority = "medium"
	Low      Priority = "low"
)

// Rank orders priorities from most (0) to least urgent. Unknown values sort last.
func (p Priority) Rank() int {
	switch p {
	case Critical:
		return 0
	case High:
		return 1
	case Medium:
		return 2
	case Low:
		return 3
	default:
		return 4
	}
}

func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p.Rank() > 3 {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

type Goal struct {
	ID              string         `json:"id"`
	Description     string         `json:"description"`
	Priority        Priority       `json:"priority"`
	SuccessCriteria map[string]any `json:"success_criteria,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	Progress        float64        `json:"progress"`
	Completed       bool           `json:"completed"`
}
