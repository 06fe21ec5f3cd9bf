package rbac

import (
	"context"
	"errors"
	"testing"

	"lecsa/api/internal/store"
)

type mapRegistry map[string]Permissions

func (m mapRegistry) Lookup(_ context.Context, role string) (Permissions, error) {
	p, ok := m[role]
	if !ok {
		return Permissions{}, ErrRoleNotFound
	}
	return p, nil
}

type failingRegistry struct{ err error }

func (f failingRegistry) Lookup(context.Context, string) (Permissions, error) {
	return Permissions{}, f.err
}

func TestAuthorize(t *testing.T) {
	reg := mapRegistry{
		"admin":        {View: true, Add: true, Update: true, Archive: true},
		"secretary":    {View: true, Add: true, Update: true},
		"board_member": {View: true},
		"locked":       {},
	}

	cases := []struct {
		name   string
		role   string
		cap    Capability
		allow  bool
		reason string
	}{
		{name: "admin archive", role: "admin", cap: CapArchive, allow: true},
		{name: "secretary update", role: "secretary", cap: CapUpdate, allow: true},
		{name: "secretary archive", role: "secretary", cap: CapArchive, reason: ReasonInsufficient},
		{name: "board member view", role: "board_member", cap: CapView, allow: true},
		{name: "board member add", role: "board_member", cap: CapAdd, reason: ReasonInsufficient},
		{name: "no view flag", role: "locked", cap: CapView, reason: ReasonInsufficient},
		{name: "unknown capability", role: "admin", cap: Capability("delete"), reason: ReasonInsufficient},
		{name: "unknown role", role: "ghost", cap: CapView, reason: ReasonRoleNotFound},
		{name: "empty role", role: "", cap: CapView, reason: ReasonNoRoleAssigned},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Authorize(context.Background(), reg, tc.role, tc.cap)
			if err != nil {
				t.Fatalf("Authorize: %v", err)
			}
			if got.Allowed != tc.allow || got.Reason != tc.reason {
				t.Fatalf("Authorize(%q, %q) = %+v, want allow=%v reason=%q", tc.role, tc.cap, got, tc.allow, tc.reason)
			}
		})
	}
}

func TestAuthorizeRegistryFailureIsAnError(t *testing.T) {
	boom := errors.New("connection refused")
	got, err := Authorize(context.Background(), failingRegistry{err: boom}, "admin", CapView)
	if !errors.Is(err, boom) {
		t.Fatalf("expected registry error, got %v", err)
	}
	if got.Allowed {
		t.Fatal("a failed lookup must not allow")
	}
}

type roleTable map[string]store.Role

func (r roleTable) GetRole(_ context.Context, name string) (store.Role, error) {
	role, ok := r[name]
	if !ok {
		return store.Role{}, store.ErrNotFound
	}
	return role, nil
}

func TestStoreRegistry(t *testing.T) {
	reg := StoreRegistry{Roles: roleTable{"admin": {Name: "admin", CanView: true, CanArchive: true}}}

	perms, err := reg.Lookup(context.Background(), "admin")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !perms.Allows(CapArchive) || perms.Allows(CapAdd) {
		t.Fatalf("unexpected permissions %+v", perms)
	}
	if _, err := reg.Lookup(context.Background(), "ghost"); !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}
}

func TestPermissionsRoundTripThroughRole(t *testing.T) {
	p := Permissions{View: true, Update: true}
	if got := FromRole(p.Role("clerk")); got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

func TestParseSeed(t *testing.T) {
	roles, err := ParseSeed([]byte(`
roles:
  - name: admin
    can_view: true
    can_add: true
    can_update: true
    can_archive: true
  - name: board_member
    can_view: true
`))
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	if len(roles) != 2 || !roles[0].Archive || roles[1].Add {
		t.Fatalf("unexpected roles %+v", roles)
	}

	if _, err := ParseSeed([]byte("roles:\n  - name: admin\n  - name: admin\n")); err == nil {
		t.Fatal("expected duplicate role error")
	}
	if _, err := ParseSeed([]byte("roles:\n  - name: admin\n")); err == nil {
		t.Fatal("expected missing default role error")
	}
}

func TestLoadSeedFallsBackToDefaults(t *testing.T) {
	roles, err := LoadSeed(t.TempDir() + "/missing.yaml")
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if len(roles) != len(DefaultSeed()) {
		t.Fatalf("expected default seed, got %+v", roles)
	}
}
