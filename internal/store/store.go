// Package store persists users, items, sessions, responses, reset
// tokens, reliability metrics, and the security audit trail. Two
// implementations carry the same method set: Memory for tests and
// single-process deployments, Postgres for production. Constraint
// violations are translated into domain errors here, so callers never
// branch on driver-specific failures.
package store

import (
	"strings"

	"github.com/mindgauge/backend/internal/domain"
)

// ItemFilter narrows ListItems. Zero values mean no restriction.
type ItemFilter struct {
	Domains      []domain.Domain
	Difficulties []domain.Difficulty
	ActiveOnly   bool
	Limit        int
}

func (f ItemFilter) matches(it *domain.Item) bool {
	if f.ActiveOnly && !it.Active {
		return false
	}
	if len(f.Domains) > 0 && !containsDomain(f.Domains, it.Domain) {
		return false
	}
	if len(f.Difficulties) > 0 && !containsDifficulty(f.Difficulties, it.Difficulty) {
		return false
	}
	return true
}

// ItemCalibration is one calibrated parameter set to commit. All
// updates of a run land in a single transaction, so readers never
// observe a half-applied calibration.
type ItemCalibration struct {
	ItemID    int64
	A         float64
	B         float64
	SEA       float64
	SEB       float64
	InfoPeak  float64
	ResponseN int
}

func (c ItemCalibration) validate() error {
	if c.ItemID <= 0 {
		return domain.Validation(domain.KeyBadRequest, "calibration update without item id")
	}
	if c.A <= 0 {
		return domain.Validation(domain.KeyBadRequest, "discrimination must be positive")
	}
	return nil
}

// foldEmail canonicalizes an address for storage and lookup. Uniqueness
// is on the folded form.
func foldEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func containsDomain(ds []domain.Domain, d domain.Domain) bool {
	for _, x := range ds {
		if x == d {
			return true
		}
	}
	return false
}

func containsDifficulty(ds []domain.Difficulty, d domain.Difficulty) bool {
	for _, x := range ds {
		if x == d {
			return true
		}
	}
	return false
}
