// Package ledger defines the boundary to the external transfer rail and the
// group authority capability that unlocks pooled funds.
package ledger

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// Purpose labels why funds move. Rails may record it; the core ignores it.
type Purpose string

const (
	PurposeStake  Purpose = "stake"
	PurposeRefund Purpose = "refund"
	PurposeTip    Purpose = "tip"
	PurposeReward Purpose = "reward"
)

// Transfer is one debit/credit request.
type Transfer struct {
	From   shared.AccountID
	To     shared.AccountID
	Amount shared.Amount
	// Authorizer is the caller for member-funded transfers and the group
	// pool for pool-funded ones.
	Authorizer shared.AccountID
	// Authority is set for pool-funded transfers.
	Authority *GroupAuthority
	Purpose   Purpose
}

// Rail moves funds. Success means the full amount moved; an error means
// nothing moved. Implementations must not be retried by callers.
type Rail interface {
	Transfer(ctx context.Context, t Transfer) error
}

// ═══════════════════════════════════════════════════════════════════════════
// POOL ACCOUNTS
// ═══════════════════════════════════════════════════════════════════════════

const poolNamespace = "studycircle/pool/v1"

// PoolAccount derives the custodial account that holds a group's stakes.
// The derivation is deterministic so every node computes the same id.
func PoolAccount(groupID uint64) shared.AccountID {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], groupID)
	h, _ := blake2b.New256([]byte(poolNamespace))
	h.Write(buf[:])
	return shared.AccountID(shared.PoolAccountPrefix + hex.EncodeToString(h.Sum(nil)[:16]))
}

// IsPoolAccount reports whether id belongs to the pool namespace. Such
// accounts move only with a group authority.
func IsPoolAccount(id shared.AccountID) bool {
	return id.IsPool()
}

// ═══════════════════════════════════════════════════════════════════════════
// GROUP AUTHORITY
// ═══════════════════════════════════════════════════════════════════════════

// GroupAuthority is a capability to move funds out of one group's pool.
// It is minted by a Custodian and checked against the same Custodian.
type GroupAuthority struct {
	GroupID uint64
	Pool    shared.AccountID
	tag     []byte
}

// IsZero reports whether the authority was never minted.
func (a GroupAuthority) IsZero() bool {
	return len(a.tag) == 0
}

// Custodian mints and verifies group authorities with a keyed BLAKE2b MAC.
type Custodian struct {
	key []byte
}

// NewCustodian creates a custodian. The key must be 1 to 64 bytes.
func NewCustodian(key []byte) (*Custodian, error) {
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, fmt.Errorf("custodian key must be 1..%d bytes, got %d", blake2b.Size, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Custodian{key: k}, nil
}

// AuthorityFor mints the authority of a group.
func (c *Custodian) AuthorityFor(groupID uint64) GroupAuthority {
	pool := PoolAccount(groupID)
	return GroupAuthority{GroupID: groupID, Pool: pool, tag: c.mac(groupID, pool)}
}

// Verify checks that a was minted by this custodian for groupID.
func (c *Custodian) Verify(a GroupAuthority, groupID uint64) error {
	if a.IsZero() || a.GroupID != groupID || a.Pool != PoolAccount(groupID) {
		return fmt.Errorf("%w: group authority does not cover group %d", shared.ErrForbidden, groupID)
	}
	if subtle.ConstantTimeCompare(a.tag, c.mac(groupID, a.Pool)) != 1 {
		return fmt.Errorf("%w: group authority signature mismatch", shared.ErrForbidden)
	}
	return nil
}

func (c *Custodian) mac(groupID uint64, pool shared.AccountID) []byte {
	h, _ := blake2b.New256(c.key)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], groupID)
	h.Write(buf[:])
	h.Write([]byte(pool))
	return h.Sum(nil)
}
