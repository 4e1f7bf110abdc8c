// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

/*
compliance.go - Listing Compliance Validation

Regulatory rule checks a listing must pass before it is considered
sync-complete: required-field presence, mandatory disclaimer text, and
maximum data staleness. Violations are a reportable business condition,
not an error: Check returns a structured result and never fails the
transport or the sync machinery itself.
*/

package listingfeed

import (
	"fmt"
	"strings"
	"time"
)

// Rule names for violation reports.
const (
	RuleRequiredField = "required_field"
	RuleDisclaimer    = "disclaimer"
	RuleStaleness     = "staleness"
)

// ComplianceConfig is the rule set one feed operates under.
type ComplianceConfig struct {
	// RequiredFields must be present and non-empty on every listing.
	RequiredFields []string `koanf:"required_fields"`

	// DisclaimerField names the field that must carry the disclaimer;
	// empty disables the rule.
	DisclaimerField string `koanf:"disclaimer_field"`

	// DisclaimerText is the mandatory text the disclaimer field must
	// contain (case-insensitive substring match).
	DisclaimerText string `koanf:"disclaimer_text"`

	// TimestampField names the modification timestamp checked for
	// staleness. Defaults to "ModificationTimestamp".
	TimestampField string `koanf:"timestamp_field"`

	// MaxStaleness is the oldest a listing's modification timestamp may
	// be; zero disables the rule.
	MaxStaleness time.Duration `koanf:"max_staleness"`
}

// Violation is one failed rule on one listing.
type Violation struct {
	Rule    string `json:"rule"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Result is the outcome of a compliance check.
type Result struct {
	Compliant  bool        `json:"compliant"`
	Violations []Violation `json:"violations,omitempty"`
}

// ComplianceChecker applies a fixed rule set to listings.
type ComplianceChecker struct {
	cfg ComplianceConfig
	now func() time.Time
}

// NewComplianceChecker validates and freezes a rule set.
func NewComplianceChecker(cfg ComplianceConfig) (*ComplianceChecker, error) {
	if cfg.DisclaimerText != "" && cfg.DisclaimerField == "" {
		return nil, fmt.Errorf("disclaimer text configured without a disclaimer field")
	}
	if cfg.TimestampField == "" {
		cfg.TimestampField = "ModificationTimestamp"
	}
	return &ComplianceChecker{cfg: cfg, now: time.Now}, nil
}

// Check runs every rule against a listing and accumulates violations;
// rules do not short-circuit each other.
func (c *ComplianceChecker) Check(listing map[string]interface{}) Result {
	var violations []Violation

	for _, field := range c.cfg.RequiredFields {
		if !present(listing[field]) {
			violations = append(violations, Violation{
				Rule:    RuleRequiredField,
				Field:   field,
				Message: fmt.Sprintf("required field %q is missing or empty", field),
			})
		}
	}

	if c.cfg.DisclaimerField != "" && c.cfg.DisclaimerText != "" {
		text, _ := listing[c.cfg.DisclaimerField].(string)
		if !strings.Contains(strings.ToLower(text), strings.ToLower(c.cfg.DisclaimerText)) {
			violations = append(violations, Violation{
				Rule:    RuleDisclaimer,
				Field:   c.cfg.DisclaimerField,
				Message: "mandatory disclaimer text is missing",
			})
		}
	}

	if c.cfg.MaxStaleness > 0 {
		if v := c.checkStaleness(listing); v != nil {
			violations = append(violations, *v)
		}
	}

	return Result{Compliant: len(violations) == 0, Violations: violations}
}

func (c *ComplianceChecker) checkStaleness(listing map[string]interface{}) *Violation {
	raw, ok := listing[c.cfg.TimestampField].(string)
	if !ok || raw == "" {
		return &Violation{
			Rule:    RuleStaleness,
			Field:   c.cfg.TimestampField,
			Message: "modification timestamp is missing",
		}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return &Violation{
			Rule:    RuleStaleness,
			Field:   c.cfg.TimestampField,
			Message: fmt.Sprintf("unparseable modification timestamp %q", raw),
		}
	}
	if age := c.now().Sub(ts); age > c.cfg.MaxStaleness {
		return &Violation{
			Rule:    RuleStaleness,
			Field:   c.cfg.TimestampField,
			Message: fmt.Sprintf("listing data is %s old, limit is %s", age.Round(time.Minute), c.cfg.MaxStaleness),
		}
	}
	return nil
}

// present reports whether a listing field carries a usable value.
func present(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(val) != ""
	case []interface{}:
		return len(val) > 0
	default:
		return true
	}
}
