package shared

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/studycircle/studycircle-hub/pkg/timeutil"
)

// ═══════════════════════════════════════════════════════════════════════════
// ACCOUNT ID
// ═══════════════════════════════════════════════════════════════════════════

// AccountID identifies a custodial account on the transfer rail. Member
// identities and pooled group accounts share this space.
type AccountID string

// PoolAccountPrefix marks the derived accounts that hold group pools.
const PoolAccountPrefix = "pool-"

// IsValid reports whether the id is non-empty and has no surrounding space.
func (a AccountID) IsValid() bool {
	return a != "" && strings.TrimSpace(string(a)) == string(a) && len(a) <= 128
}

// String returns the raw account id.
func (a AccountID) String() string {
	return string(a)
}

// IsPool reports whether the id is in the pool account namespace.
func (a AccountID) IsPool() bool {
	return strings.HasPrefix(string(a), PoolAccountPrefix)
}

// NewAccountID validates a member account id. Pool ids are derived, never
// parsed, so they are rejected here.
func NewAccountID(id string) (AccountID, error) {
	a := AccountID(id)
	if !a.IsValid() {
		return "", fmt.Errorf("%w: account id %q", ErrInvalidInput, id)
	}
	if a.IsPool() {
		return "", fmt.Errorf("%w: %q is a pool account", ErrInvalidInput, id)
	}
	return a, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// AMOUNT
// ═══════════════════════════════════════════════════════════════════════════

// Amount is a quantity of the smallest currency unit moved by the rail.
type Amount uint64

// Uint64 returns the raw value.
func (a Amount) Uint64() uint64 {
	return uint64(a)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a == 0
}

// Add returns a+b or ErrOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return Amount(sum), nil
}

// Sub returns a-b or ErrOverflow when b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	diff, borrow := bits.Sub64(uint64(a), uint64(b), 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return Amount(diff), nil
}

// MulDiv computes floor(a*b/c) with a 128-bit intermediate product.
// It fails when c is zero or the quotient does not fit in 64 bits.
func MulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, fmt.Errorf("%w: division by zero", ErrOverflow)
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// TIME
// ═══════════════════════════════════════════════════════════════════════════

// Timestamp is a unix time in seconds supplied by the clock adapter.
type Timestamp int64

// Day returns the UTC day index of the timestamp.
func (t Timestamp) Day() int64 {
	return timeutil.DayIndex(int64(t))
}

// Add returns the timestamp shifted by the given number of seconds.
func (t Timestamp) Add(seconds int64) Timestamp {
	return t + Timestamp(seconds)
}

// Int64 returns the raw value.
func (t Timestamp) Int64() int64 {
	return int64(t)
}

// ═══════════════════════════════════════════════════════════════════════════
// PROPOSAL ID
// ═══════════════════════════════════════════════════════════════════════════

// ProposalID addresses a proposal by its group and the group's proposal
// sequence number. Seq starts at 1.
type ProposalID struct {
	GroupID uint64 `json:"group_id"`
	Seq     uint64 `json:"seq"`
}

// IsValid reports whether the id has a sequence number.
func (p ProposalID) IsValid() bool {
	return p.Seq > 0
}

// String renders the id as "<group>-<seq>".
func (p ProposalID) String() string {
	return fmt.Sprintf("%d-%d", p.GroupID, p.Seq)
}
