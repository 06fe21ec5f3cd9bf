// Package rbac decides whether a role may exercise a capability.
package rbac

import (
	"context"
	"errors"
	"fmt"

	"lecsa/api/internal/store"
)

type Capability string

const (
	CapView    Capability = "view"
	CapAdd     Capability = "add"
	CapUpdate  Capability = "update"
	CapArchive Capability = "archive"
)

// Deny reasons.
const (
	ReasonRoleNotFound   = "role not found"
	ReasonInsufficient   = "insufficient permissions"
	ReasonNoRoleAssigned = "no role assigned"
)

var ErrRoleNotFound = errors.New("role not found")

// Permissions is the fixed set of flags a role carries.
type Permissions struct {
	View    bool `yaml:"can_view" json:"can_view"`
	Add     bool `yaml:"can_add" json:"can_add"`
	Update  bool `yaml:"can_update" json:"can_update"`
	Archive bool `yaml:"can_archive" json:"can_archive"`
}

func (p Permissions) Allows(c Capability) bool {
	switch c {
	case CapView:
		return p.View
	case CapAdd:
		return p.Add
	case CapUpdate:
		return p.Update
	case CapArchive:
		return p.Archive
	default:
		return false
	}
}

func FromRole(r store.Role) Permissions {
	return Permissions{View: r.CanView, Add: r.CanAdd, Update: r.CanUpdate, Archive: r.CanArchive}
}

func (p Permissions) Role(name string) store.Role {
	return store.Role{Name: name, CanView: p.View, CanAdd: p.Add, CanUpdate: p.Update, CanArchive: p.Archive}
}

// Registry resolves a role name to its permissions. Lookup returns
// ErrRoleNotFound for unknown roles; any other error means the registry
// could not be read.
type Registry interface {
	Lookup(ctx context.Context, role string) (Permissions, error)
}

type Decision struct {
	Allowed bool
	Reason  string
}

// Authorize never allows by default: a missing role, a false flag or an
// unknown capability deny, and a registry failure is returned as an error so
// callers can tell "not allowed" from "could not check".
func Authorize(ctx context.Context, reg Registry, role string, c Capability) (Decision, error) {
	if role == "" {
		return Decision{Reason: ReasonNoRoleAssigned}, nil
	}
	perms, err := reg.Lookup(ctx, role)
	if errors.Is(err, ErrRoleNotFound) {
		return Decision{Reason: ReasonRoleNotFound}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("look up role %q: %w", role, err)
	}
	if !perms.Allows(c) {
		return Decision{Reason: ReasonInsufficient}, nil
	}
	return Decision{Allowed: true}, nil
}

type roleGetter interface {
	GetRole(ctx context.Context, name string) (store.Role, error)
}

// StoreRegistry reads roles from the roles table on every check, so role
// edits apply to the next request.
type StoreRegistry struct {
	Roles roleGetter
}

func (r StoreRegistry) Lookup(ctx context.Context, role string) (Permissions, error) {
	row, err := r.Roles.GetRole(ctx, role)
	if errors.Is(err, store.ErrNotFound) {
		return Permissions{}, ErrRoleNotFound
	}
	if err != nil {
		return Permissions{}, err
	}
	return FromRole(row), nil
}
