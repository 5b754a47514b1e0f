package engine

import (
	"context"
	"fmt"
	"strings"

	"crewline/internal/config"
	"crewline/internal/domain"
)

// Rule is one validation check over a role candidate. Rules never short
// circuit; every rule runs and every finding is collected.
type Rule interface {
	Code() string
	Check(ctx context.Context, e Engine, cfg *config.Config, t domain.Role) []ValidationFinding
}

func defaultRules() []Rule {
	return []Rule{
		titlePresent{},
		positiveCapacity{},
		participantsWithinCapacity{},
		terminalCapacityConsistent{},
		minSkillRequirements{},
		knownSkills{},
		childFanOut{},
	}
}

func (e Engine) validateRole(ctx context.Context, cfg *config.Config, t domain.Role) []ValidationFinding {
	var findings []ValidationFinding
	for _, r := range defaultRules() {
		findings = append(findings, r.Check(ctx, e, cfg, t)...)
	}
	return findings
}

type titlePresent struct{}

func (titlePresent) Code() string { return "title_present" }

func (r titlePresent) Check(_ context.Context, _ Engine, _ *config.Config, t domain.Role) []ValidationFinding {
	if strings.TrimSpace(t.Title) == "" {
		return []ValidationFinding{{Code: r.Code(), Severity: "error", Message: "role title is required"}}
	}
	return nil
}

type positiveCapacity struct{}

func (positiveCapacity) Code() string { return "positive_capacity" }

func (r positiveCapacity) Check(_ context.Context, _ Engine, _ *config.Config, t domain.Role) []ValidationFinding {
	if t.MaxParticipants < 1 {
		return []ValidationFinding{{Code: r.Code(), Severity: "error",
			Message: fmt.Sprintf("max_participants must be at least 1, got %d", t.MaxParticipants)}}
	}
	return nil
}

type participantsWithinCapacity struct{}

func (participantsWithinCapacity) Code() string { return "participants_within_capacity" }

func (r participantsWithinCapacity) Check(_ context.Context, _ Engine, _ *config.Config, t domain.Role) []ValidationFinding {
	if t.CurrentParticipants < 0 || t.CurrentParticipants > t.MaxParticipants {
		return []ValidationFinding{{Code: r.Code(), Severity: "error",
			Message: fmt.Sprintf("current_participants %d outside [0,%d]", t.CurrentParticipants, t.MaxParticipants)}}
	}
	return nil
}

// terminalCapacityConsistent: a role that reached its end of life holds no
// seats; completion and abandonment both release capacity on the way out.
type terminalCapacityConsistent struct{}

func (terminalCapacityConsistent) Code() string { return "terminal_capacity_consistent" }

func (r terminalCapacityConsistent) Check(_ context.Context, _ Engine, _ *config.Config, t domain.Role) []ValidationFinding {
	if IsTerminalStatus(t.Status) && t.CurrentParticipants > 0 {
		return []ValidationFinding{{Code: r.Code(), Severity: "error",
			Message: fmt.Sprintf("%s role still reports %d participants", t.Status, t.CurrentParticipants)}}
	}
	return nil
}

type minSkillRequirements struct{}

func (minSkillRequirements) Code() string { return "min_skill_requirements" }

func (r minSkillRequirements) Check(_ context.Context, _ Engine, cfg *config.Config, t domain.Role) []ValidationFinding {
	min := 0
	if cfg != nil {
		min = cfg.Validation.MinSkillRequirements
	}
	if len(t.Requirements) < min {
		return []ValidationFinding{{Code: r.Code(), Severity: "error",
			Message: fmt.Sprintf("role declares %d skill requirements, at least %d required", len(t.Requirements), min)}}
	}
	return nil
}

type knownSkills struct{}

func (knownSkills) Code() string { return "known_skills" }

func (r knownSkills) Check(_ context.Context, _ Engine, cfg *config.Config, t domain.Role) []ValidationFinding {
	var findings []ValidationFinding
	for _, req := range t.Requirements {
		if req.SkillID == "" {
			findings = append(findings, ValidationFinding{Code: r.Code(), Severity: "error",
				Message: "skill requirement with empty skill_id"})
			continue
		}
		if req.MinLevel < 1 || req.MinLevel > 10 {
			findings = append(findings, ValidationFinding{Code: r.Code(), Severity: "error",
				Message: fmt.Sprintf("skill %s min_level %d outside [1,10]", req.SkillID, req.MinLevel)})
		}
		if cfg != nil && len(cfg.Skills.Catalog) > 0 {
			if _, ok := cfg.Skills.Catalog[req.SkillID]; !ok {
				findings = append(findings, ValidationFinding{Code: r.Code(), Severity: "warning",
					Message: fmt.Sprintf("skill %s is not in the collaboration catalog", req.SkillID)})
			}
		}
	}
	return findings
}

// childFanOut warns when a role accumulates more direct children than the
// configured ceiling. Wide trees are legal, just suspicious.
type childFanOut struct{}

func (childFanOut) Code() string { return "child_fan_out" }

func (r childFanOut) Check(ctx context.Context, e Engine, cfg *config.Config, t domain.Role) []ValidationFinding {
	if t.ID == "" || cfg == nil || cfg.Validation.MaxChildrenWarn < 1 {
		return nil
	}
	n, err := e.Repo.CountChildRoles(ctx, t.ID)
	if err != nil {
		return nil
	}
	if n > cfg.Validation.MaxChildrenWarn {
		return []ValidationFinding{{Code: r.Code(), Severity: "warning",
			Message: fmt.Sprintf("role has %d direct children, above the advisory ceiling of %d", n, cfg.Validation.MaxChildrenWarn)}}
	}
	return nil
}
