package reconcile

import (
	"fmt"
	"strings"
)

// FailurePolicy decides what a failed fetch does to the displayed set.
type FailurePolicy int

const (
	// ClearOnFailure removes every displayed marker.
	ClearOnFailure FailurePolicy = iota
	// RetainOnFailure keeps last-known positions until the next success.
	RetainOnFailure
)

func (p FailurePolicy) String() string {
	switch p {
	case ClearOnFailure:
		return "clear"
	case RetainOnFailure:
		return "retain"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy accepts "clear" or "retain". Empty means clear.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clear":
		return ClearOnFailure, nil
	case "retain":
		return RetainOnFailure, nil
	default:
		return ClearOnFailure, fmt.Errorf("unknown failure policy %q", s)
	}
}
