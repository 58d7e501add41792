package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var findingIDRegex = regexp.MustCompile(`^F-(\d{3,})$`)

// FindingID identifies a finding as F-{sequence}
type FindingID struct {
	Seq int
}

// ParseFindingID parses a string like "F-007" into a FindingID
func ParseFindingID(s string) (FindingID, error) {
	matches := findingIDRegex.FindStringSubmatch(s)
	if matches == nil {
		return FindingID{}, fmt.Errorf("invalid finding ID format: %q (expected F-###)", s)
	}
	seq, err := strconv.Atoi(matches[1])
	if err != nil || seq == 0 {
		return FindingID{}, fmt.Errorf("invalid finding ID sequence: %q", s)
	}
	return FindingID{Seq: seq}, nil
}

// String returns the canonical string representation
func (f FindingID) String() string {
	return fmt.Sprintf("F-%03d", f.Seq)
}

// FindingStatus is the lifecycle state of a finding
type FindingStatus string

const (
	FindingOpen   FindingStatus = "open"
	FindingClosed FindingStatus = "closed"
)

// Finding is a reviewer-raised issue that must be resolved before approval
type Finding struct {
	ID             string        `json:"id"`
	Description    string        `json:"description"`
	AcceptanceTest string        `json:"acceptance_test"`
	Status         FindingStatus `json:"status"`
	Phase          Phase         `json:"phase"`
	RaisedCycle    int           `json:"raised_cycle"`
	ClosedCycle    int           `json:"closed_cycle,omitempty"`
	Rationale      string        `json:"rationale,omitempty"`
	RaisedAt       time.Time     `json:"raised_at"`
	ClosedAt       *time.Time    `json:"closed_at,omitempty"`
}
