package link

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// FirmwareGate checks controller firmware banners against a semver
// constraint such as ">= 1.2.0, < 2".
type FirmwareGate struct {
	raw        string
	constraint *semver.Constraints
}

func NewFirmwareGate(constraint string) (*FirmwareGate, error) {
	if strings.TrimSpace(constraint) == "" {
		return nil, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("parse firmware constraint %q: %w", constraint, err)
	}
	return &FirmwareGate{raw: constraint, constraint: c}, nil
}

// Check reports whether version satisfies the constraint. Versions that do
// not parse fail the check.
func (g *FirmwareGate) Check(version string) bool {
	if g == nil {
		return true
	}
	v, err := semver.NewVersion(normalizeVersion(version))
	if err != nil {
		return false
	}
	return g.constraint.Check(v)
}

func (g *FirmwareGate) String() string {
	if g == nil {
		return ""
	}
	return g.raw
}

// normalizeVersion pads "1" and "1.4" to three parts.
func normalizeVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	switch strings.Count(v, ".") {
	case 0:
		return v + ".0.0"
	case 1:
		return v + ".0"
	default:
		return v
	}
}
