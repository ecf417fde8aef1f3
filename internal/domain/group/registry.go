package group

import (
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// Registry holds the global counters. It is created once by Initialize and
// passed explicitly to the operations that number groups or count members.
type Registry struct {
	Admin        shared.AccountID
	TotalGroups  uint64
	TotalMembers uint64
	Initialized  bool
}

// Initialize assigns the admin. It can succeed only once.
func (r *Registry) Initialize(admin shared.AccountID) error {
	if r.Initialized {
		return shared.ErrAlreadyInitialized
	}
	if !admin.IsValid() {
		return shared.ErrInvalidInput
	}
	r.Admin = admin
	r.Initialized = true
	return nil
}

// CheckReady fails when the registry was never initialized.
func (r *Registry) CheckReady() error {
	if r == nil || !r.Initialized {
		return shared.ErrNotInitialized
	}
	return nil
}

// NextGroupID returns the id for a new group and advances the counter.
// Ids start at zero and are never reused.
func (r *Registry) NextGroupID() uint64 {
	id := r.TotalGroups
	r.TotalGroups++
	return id
}

// RecordMember counts a successful join.
func (r *Registry) RecordMember() {
	r.TotalMembers++
}

// Clone returns a copy.
func (r *Registry) Clone() *Registry {
	c := *r
	return &c
}
