package engine

import (
	"fmt"
	"strings"
)

// HierarchyError reports a structural defect found while building or
// re-linking a role tree.
type HierarchyError struct {
	Kind     string // "cycle" or "dangling_parent"
	RoleID   string
	ParentID string
	Path     []string // for cycles, the offending chain
}

func (e *HierarchyError) Error() string {
	switch e.Kind {
	case "cycle":
		return fmt.Sprintf("role hierarchy cycle: %s", strings.Join(e.Path, " -> "))
	case "dangling_parent":
		return fmt.Sprintf("role %s references unknown parent %s", e.RoleID, e.ParentID)
	default:
		return fmt.Sprintf("hierarchy error on role %s", e.RoleID)
	}
}

type ValidationFinding struct {
	Code     string `json:"code"`
	Severity string `json:"severity" enum:"error,warning"`
	Message  string `json:"message"`
}

// ValidationError carries every finding from a validation pass, not just
// the first.
type ValidationError struct {
	Findings []ValidationFinding
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.Code, f.Message))
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Errors returns only the error-severity findings.
func (e *ValidationError) Errors() []ValidationFinding {
	var out []ValidationFinding
	for _, f := range e.Findings {
		if f.Severity == "error" {
			out = append(out, f)
		}
	}
	return out
}

type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("no transition from %s to %s", e.From, e.To)
}

// ConditionRejectedError carries the failing condition's own message so
// callers see it verbatim.
type ConditionRejectedError struct {
	Condition string
	Message   string
}

func (e *ConditionRejectedError) Error() string {
	return e.Message
}

type EffectFailedError struct {
	Effect string
	Err    error
}

func (e *EffectFailedError) Error() string {
	return fmt.Sprintf("effect %s failed: %v", e.Effect, e.Err)
}

func (e *EffectFailedError) Unwrap() error { return e.Err }

// RollbackFailedError means an effect failed and undoing a previously applied
// effect also failed. State may be inconsistent until reconciled.
type RollbackFailedError struct {
	Effect string
	Err    error
	Cause  error
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("rollback of effect %s failed: %v (original failure: %v)", e.Effect, e.Err, e.Cause)
}

func (e *RollbackFailedError) Unwrap() error { return e.Err }

type InheritanceError struct {
	RoleID          string
	MissingAncestor string
}

func (e *InheritanceError) Error() string {
	return fmt.Sprintf("role %s inherits from missing ancestor %s", e.RoleID, e.MissingAncestor)
}
