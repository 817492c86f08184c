// Package workflow drives the promotion and rollback lifecycle of
// policy versions across branches.
package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPromotionPath means the source/target pair is not an
	// allowed transition of the branch lattice.
	ErrInvalidPromotionPath = errors.New("promotion path not allowed")
	// ErrApprovalRequired means the target branch is gated and no
	// satisfied approval covers this promotion.
	ErrApprovalRequired = errors.New("promotion requires approval")
	// ErrAlreadyAtVersion means a rollback targeted the version the
	// branch head is already at.
	ErrAlreadyAtVersion = errors.New("branch already at requested version")
)

// ValidationError reports content that failed validation at a workflow
// gate.
type ValidationError struct {
	Stage    string   `json:"stage"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Stage, strings.Join(e.Errors, "; "))
}
