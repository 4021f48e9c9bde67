package alerts

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidSeverity means the rule that decides a bound carries a severity
// outside info, warning and critical.
var ErrInvalidSeverity = errors.New("threshold rule has invalid severity")

// Scope is the level a threshold rule is attached to.
type Scope string

const (
	ScopeUnit         Scope = "unit"
	ScopeSite         Scope = "site"
	ScopeOrganization Scope = "organization"
)

// Bound names which limit of a rule was crossed.
type Bound string

const (
	BoundTempMax    Bound = "temp_max"
	BoundTempMin    Bound = "temp_min"
	BoundBatteryMin Bound = "battery_min"
)

// Rule is one threshold row. Any limit may be unset, in which case the next
// scope up the hierarchy decides it.
type Rule struct {
	Scope      Scope    `json:"scope"`
	TempMin    *float64 `json:"tempMin,omitempty"`
	TempMax    *float64 `json:"tempMax,omitempty"`
	BatteryMin *float64 `json:"batteryMin,omitempty"`
	Severity   Severity `json:"severity"`
}

func (r *Rule) limit(b Bound) *float64 {
	if r == nil {
		return nil
	}
	switch b {
	case BoundTempMax:
		return r.TempMax
	case BoundTempMin:
		return r.TempMin
	case BoundBatteryMin:
		return r.BatteryMin
	default:
		return nil
	}
}

// RuleSet holds the rules applicable to one unit, at most one per scope.
type RuleSet struct {
	Unit         *Rule
	Site         *Rule
	Organization *Rule
}

// Threshold is a resolved limit together with the rule that supplied it.
type Threshold struct {
	Bound    Bound
	Limit    float64
	Severity Severity
	Scope    Scope
}

// Resolve returns the most specific rule defining bound, searching
// unit -> site -> organization. A winning rule with an unknown or empty
// severity is reported as ErrInvalidSeverity rather than guessed.
func (rs RuleSet) Resolve(b Bound) (Threshold, bool, error) {
	for _, r := range []*Rule{rs.Unit, rs.Site, rs.Organization} {
		if v := r.limit(b); v != nil {
			if !r.Severity.Valid() {
				return Threshold{}, true, fmt.Errorf("%w: %s rule for %s has %q", ErrInvalidSeverity, r.Scope, b, r.Severity)
			}
			return Threshold{Bound: b, Limit: *v, Severity: r.Severity, Scope: r.Scope}, true, nil
		}
	}
	return Threshold{}, false, nil
}

// Empty reports whether no scope has a rule.
func (rs RuleSet) Empty() bool {
	return rs.Unit == nil && rs.Site == nil && rs.Organization == nil
}

// UnitRef locates a unit in the tenant hierarchy.
type UnitRef struct {
	OrganizationID uuid.UUID
	SiteID         uuid.UUID
	UnitID         uuid.UUID
}
