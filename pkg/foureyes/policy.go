package foureyes

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ImplicitApprovalMode selects the implicit approval heuristic.
type ImplicitApprovalMode string

const (
	// ImplicitOff disables implicit approval entirely.
	ImplicitOff ImplicitApprovalMode = "off"
	// ImplicitAll accepts any PR merged by someone who is neither the PR
	// creator nor the author of its last commit.
	ImplicitAll ImplicitApprovalMode = "all"
	// ImplicitDependabotOnly accepts only PRs exclusively authored and
	// committed by a recognized automation identity and merged by a
	// different human.
	ImplicitDependabotOnly ImplicitApprovalMode = "dependabot_only"
)

// ParseImplicitApprovalMode validates a mode string. An empty string means
// "no per-application override".
func ParseImplicitApprovalMode(s string) (ImplicitApprovalMode, error) {
	switch ImplicitApprovalMode(s) {
	case ImplicitOff, ImplicitAll, ImplicitDependabotOnly:
		return ImplicitApprovalMode(s), nil
	}
	return "", fmt.Errorf("unknown implicit approval mode %q", s)
}

// Policy holds the organization-wide four-eyes verification settings.
// Individual applications may override ImplicitApproval.
type Policy struct {
	// LegacyCutoffDays is the age beyond which deployments without a commit
	// SHA are exempted from verification. Default 365.
	LegacyCutoffDays int `yaml:"legacyCutoffDays"`
	// ImplicitApproval is the default heuristic mode. Default off.
	ImplicitApproval ImplicitApprovalMode `yaml:"implicitApproval"`
	// AutomationIdentities are usernames treated as automation for the
	// dependabot_only heuristic.
	AutomationIdentities []string `yaml:"automationIdentities"`
	// MaxWalkDepth bounds commit graph traversal.
	MaxWalkDepth int `yaml:"maxWalkDepth"`
}

// DefaultPolicy returns the default verification policy.
func DefaultPolicy() Policy {
	return Policy{
		LegacyCutoffDays:     365,
		ImplicitApproval:     ImplicitOff,
		AutomationIdentities: []string{"dependabot[bot]"},
		MaxWalkDepth:         500,
	}
}

// LegacyCutoff returns the cutoff as a duration.
func (p Policy) LegacyCutoff() time.Duration {
	days := p.LegacyCutoffDays
	if days <= 0 {
		days = 365
	}
	return time.Duration(days) * 24 * time.Hour
}

// IsAutomation reports whether the username is a recognized automation
// identity.
func (p Policy) IsAutomation(username string) bool {
	return slices.Contains(p.AutomationIdentities, username)
}

// WithMode returns a copy of the policy with a per-application implicit
// approval override applied. An empty override keeps the policy default.
func (p Policy) WithMode(override string) Policy {
	if override == "" {
		return p
	}
	mode, err := ParseImplicitApprovalMode(override)
	if err != nil {
		return p
	}
	p.ImplicitApproval = mode
	return p
}

// LoadPolicy reads a YAML policy file, filling defaults for omitted fields.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if p.ImplicitApproval == "" {
		p.ImplicitApproval = ImplicitOff
	}
	if _, err := ParseImplicitApprovalMode(string(p.ImplicitApproval)); err != nil {
		return Policy{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	if p.LegacyCutoffDays <= 0 {
		p.LegacyCutoffDays = 365
	}
	if p.MaxWalkDepth <= 0 {
		p.MaxWalkDepth = 500
	}
	return p, nil
}
