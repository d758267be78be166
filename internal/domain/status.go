package domain

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusCreated      Status = "CREATED"
	StatusPending      Status = "PENDING"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusSucceeded    Status = "SUCCEEDED"
	StatusFailed       Status = "FAILED"
)

func (s Status) Valid() bool {
	return s.Rank() >= 0
}

func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Rank orders statuses along the state machine. Both terminal statuses share
// the top rank; -1 means unknown.
func (s Status) Rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusPending:
		return 1
	case StatusAcknowledged:
		return 2
	case StatusSucceeded, StatusFailed:
		return 3
	}
	return -1
}

// CanTransition reports whether from -> to is a forward move. Terminal
// statuses never move, not even to themselves.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	return to.Rank() > from.Rank()
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// SummaryStatus is the provider-agnostic status exposed to polling clients.
type SummaryStatus string

const (
	SummaryPending   SummaryStatus = "pending"
	SummarySucceeded SummaryStatus = "succeeded"
	SummaryFailed    SummaryStatus = "failed"
)

func (s Status) Summary() SummaryStatus {
	switch s {
	case StatusSucceeded:
		return SummarySucceeded
	case StatusFailed:
		return SummaryFailed
	}
	return SummaryPending
}
