package matching

import (
	"fmt"
	"strings"
)

// LabelPolicy decides what happens when a campaign event label is seen
// again for a spot that already logged it.
type LabelPolicy string

const (
	// LabelUnique reports repeats as DuplicateCampaignEvent errors
	LabelUnique LabelPolicy = "unique"
	// LabelIgnoreRepeat accepts repeats as a silent no-op
	LabelIgnoreRepeat LabelPolicy = "ignore"
	// LabelAllowRepeat records and matches every repeat
	LabelAllowRepeat LabelPolicy = "repeat"
)

// ParseLabelPolicy parses a policy name
func ParseLabelPolicy(s string) (LabelPolicy, error) {
	switch p := LabelPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case LabelUnique, LabelIgnoreRepeat, LabelAllowRepeat:
		return p, nil
	case "":
		return LabelUnique, nil
	}
	return "", fmt.Errorf("unknown label policy %q", s)
}

// LabelPolicies maps campaign event labels to their repeat policy.
// Labels without an entry use Default.
type LabelPolicies struct {
	Default LabelPolicy
	Labels  map[string]LabelPolicy
}

// For returns the policy for label
func (p LabelPolicies) For(label string) LabelPolicy {
	if pol, ok := p.Labels[label]; ok {
		return pol
	}
	if p.Default == "" {
		return LabelUnique
	}
	return p.Default
}
