// Package rail provides transfer rail adapters.
package rail

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/studycircle/studycircle-hub/internal/domain/ledger"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ErrInsufficientFunds is returned when the source balance is short.
var ErrInsufficientFunds = errors.New("insufficient funds")

// MemoryRail keeps balances in process memory. It backs development mode
// and tests.
type MemoryRail struct {
	balances  *xsync.Map[shared.AccountID, shared.Amount]
	custodian *ledger.Custodian
	log       *logger.Logger

	// mu orders the debit and credit of one transfer against other transfers.
	mu sync.Mutex

	journal []ledger.Transfer
}

var _ ledger.Rail = (*MemoryRail)(nil)

// NewMemoryRail creates an empty rail. Pool-funded transfers are checked
// against custodian.
func NewMemoryRail(custodian *ledger.Custodian, log *logger.Logger) *MemoryRail {
	if log == nil {
		log = logger.Nop()
	}
	return &MemoryRail{
		balances:  xsync.NewMap[shared.AccountID, shared.Amount](),
		custodian: custodian,
		log:       log.With(logger.Component("memory_rail")),
	}
}

// Credit mints funds into an account.
func (r *MemoryRail) Credit(account shared.AccountID, amount shared.Amount) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, _ := r.balances.Load(account)
	r.balances.Store(account, cur+amount)
}

// Balance returns an account's balance.
func (r *MemoryRail) Balance(account shared.AccountID) shared.Amount {
	b, _ := r.balances.Load(account)
	return b
}

// Journal returns the successful transfers in order.
func (r *MemoryRail) Journal() []ledger.Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.Transfer, len(r.journal))
	copy(out, r.journal)
	return out
}

// Transfer implements ledger.Rail.
func (r *MemoryRail) Transfer(ctx context.Context, t ledger.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Amount.IsZero() {
		return fmt.Errorf("transfer of zero %s", t.Purpose)
	}
	if err := r.authorize(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	from, _ := r.balances.Load(t.From)
	if from < t.Amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, t.From, from, t.Amount)
	}
	to, _ := r.balances.Load(t.To)
	credited, err := to.Add(t.Amount)
	if err != nil {
		return err
	}

	r.balances.Store(t.From, from-t.Amount)
	r.balances.Store(t.To, credited)
	r.journal = append(r.journal, t)

	r.log.Debug("transfer applied",
		logger.String("from", t.From.String()),
		logger.String("to", t.To.String()),
		logger.Amount("amount", t.Amount.Uint64()),
		logger.String("purpose", string(t.Purpose)),
	)
	return nil
}

// authorize checks who may debit the source account. Members sign their own
// transfers; a pool can only be debited with its group authority.
func (r *MemoryRail) authorize(t ledger.Transfer) error {
	if t.Authority == nil {
		if ledger.IsPoolAccount(t.From) {
			return fmt.Errorf("%w: %s needs a group authority", shared.ErrForbidden, t.From)
		}
		if t.Authorizer != t.From {
			return fmt.Errorf("%w: %s cannot debit %s", shared.ErrForbidden, t.Authorizer, t.From)
		}
		return nil
	}
	if t.Authority.Pool != t.From || t.Authorizer != t.From {
		return fmt.Errorf("%w: authority does not cover %s", shared.ErrForbidden, t.From)
	}
	if r.custodian == nil {
		return fmt.Errorf("%w: rail has no custodian", shared.ErrForbidden)
	}
	return r.custodian.Verify(*t.Authority, t.Authority.GroupID)
}
