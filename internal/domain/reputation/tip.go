// Package reputation scores peer tips.
package reputation

import (
	"strings"

	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// TipCategory says what a tip rewards. The set is closed.
type TipCategory string

const (
	CategoryHelpful       TipCategory = "helpful"
	CategoryKnowledgeable TipCategory = "knowledgeable"
	CategoryMotivational  TipCategory = "motivational"
	CategoryCollaborative TipCategory = "collaborative"
)

// AllCategories lists every category in display order.
func AllCategories() []TipCategory {
	return []TipCategory{CategoryHelpful, CategoryKnowledgeable, CategoryMotivational, CategoryCollaborative}
}

// ParseTipCategory accepts any letter case.
func ParseTipCategory(s string) (TipCategory, error) {
	c := TipCategory(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", shared.ErrInvalidTipCategory
	}
	return c, nil
}

// IsValid reports whether c is one of the known categories.
func (c TipCategory) IsValid() bool {
	switch c {
	case CategoryHelpful, CategoryKnowledgeable, CategoryMotivational, CategoryCollaborative:
		return true
	default:
		return false
	}
}

// Weight returns the participation points a tip of this category awards.
// The amount tipped never changes the weight.
func (c TipCategory) Weight() (uint32, error) {
	switch c {
	case CategoryHelpful:
		return 15, nil
	case CategoryKnowledgeable:
		return 20, nil
	case CategoryMotivational:
		return 10, nil
	case CategoryCollaborative:
		return 12, nil
	default:
		return 0, shared.ErrInvalidTipCategory
	}
}

// Label returns a display name.
func (c TipCategory) Label() string {
	switch c {
	case CategoryHelpful:
		return "Helpful"
	case CategoryKnowledgeable:
		return "Knowledgeable"
	case CategoryMotivational:
		return "Motivational"
	case CategoryCollaborative:
		return "Collaborative"
	default:
		return string(c)
	}
}

// String returns the wire value.
func (c TipCategory) String() string {
	return string(c)
}

// Tip is a validated tip request.
type Tip struct {
	Sender    shared.AccountID
	Recipient shared.AccountID
	GroupID   uint64
	Amount    shared.Amount
	Category  TipCategory
}

// Validate checks everything about a tip that does not depend on the
// recipient's profile: bounds, category and self-tipping.
func (t Tip) Validate(rules shared.Rules) error {
	if !t.Sender.IsValid() || !t.Recipient.IsValid() {
		return shared.ErrInvalidInput
	}
	if t.Sender == t.Recipient {
		return shared.ErrSelfTip
	}
	if t.Amount < rules.MinimumTip {
		return shared.ErrTipTooSmall
	}
	if t.Amount > rules.MaximumTip {
		return shared.ErrTipTooLarge
	}
	if !t.Category.IsValid() {
		return shared.ErrInvalidTipCategory
	}
	return nil
}

// Points returns the participation points for the tip.
func (t Tip) Points() (uint32, error) {
	return t.Category.Weight()
}
