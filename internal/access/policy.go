// internal/access/policy.go
package access

import (
	"context"

	"bookloans/internal/common"
)

// Role is the role claim carried by an authenticated identity.
type Role string

const (
	RoleMember Role = "Member"
	RoleAdmin  Role = "Admin"
)

// Identity is supplied per request by the authentication layer and trusted as-is.
type Identity struct {
	UserID int64
	Role   Role
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Operation names a capability checked by Authorize.
type Operation int

const (
	ViewOwnRecords Operation = iota + 1
	ListAllRecords
	ViewRecord
	ReturnRecord
	FilterRecords
	ViewUser
	ManageCatalog
	ManageUsers
)

// Authorize is a pure function of the requester, the owner of the resource and the
// operation. ownerID is ignored for operations that are not owner-scoped.
func Authorize(id Identity, op Operation, ownerID int64) error {
	switch op {
	case ViewOwnRecords:
		if id.UserID > 0 {
			return nil
		}
	case ListAllRecords, FilterRecords, ManageCatalog, ManageUsers:
		if id.IsAdmin() {
			return nil
		}
	case ViewRecord, ReturnRecord, ViewUser:
		if id.IsAdmin() || (id.UserID > 0 && id.UserID == ownerID) {
			return nil
		}
	}
	return common.NotAuthorized("")
}

// ScopeBorrowedList resolves the user filter for a list request. With no explicit
// filter an Admin sees everything and a Member sees their own records. An explicit
// filter for another user requires Admin.
func ScopeBorrowedList(id Identity, requested *int64) (*int64, error) {
	if requested == nil {
		if id.IsAdmin() {
			return nil, nil
		}
		own := id.UserID
		return &own, Authorize(id, ViewOwnRecords, own)
	}
	if *requested == id.UserID {
		return requested, Authorize(id, ViewOwnRecords, id.UserID)
	}
	return requested, Authorize(id, ListAllRecords, *requested)
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
