package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"lecsa/api/internal/actionlog"
	"lecsa/api/internal/archive"
	"lecsa/api/internal/metrics"
	"lecsa/api/internal/rbac"
	"lecsa/api/internal/store/memstore"
)

func TestRegisterLoginLogout(t *testing.T) {
	env := newTestEnv(t, Deps{})

	rr := env.do(t, http.MethodPost, "/api/register/public", "", `{"username":"thabo","password":"sekunjalo"}`)
	expectStatus(t, rr, http.StatusCreated)
	if role := decodeObject(t, rr)["role"]; role != rbac.DefaultRole {
		t.Fatalf("expected default role, got %v", role)
	}

	rr = env.do(t, http.MethodPost, "/api/register/public", "", `{"username":"thabo","password":"sekunjalo"}`)
	expectStatus(t, rr, http.StatusConflict)

	rr = env.do(t, http.MethodPost, "/api/register/public", "", `{"username":"neo","password":"short"}`)
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	rr = env.do(t, http.MethodPost, "/api/login", "", `{"username":"thabo","password":"wrong-password"}`)
	expectStatus(t, rr, http.StatusUnauthorized)

	rr = env.do(t, http.MethodPost, "/api/login", "", `{"username":"thabo","password":"sekunjalo"}`)
	expectStatus(t, rr, http.StatusOK)
	payload := decodeObject(t, rr)
	token, _ := payload["token"].(string)
	if token == "" || payload["role"] != rbac.DefaultRole {
		t.Fatalf("unexpected login payload %v", payload)
	}

	rr = env.do(t, http.MethodGet, "/api/members", token, "")
	expectStatus(t, rr, http.StatusOK)

	rr = env.do(t, http.MethodPost, "/api/logout", token, "")
	expectStatus(t, rr, http.StatusOK)

	rr = env.do(t, http.MethodGet, "/api/members", token, "")
	expectStatus(t, rr, http.StatusUnauthorized)
}

func TestRoleChangeAppliesToLiveToken(t *testing.T) {
	env := newTestEnv(t, Deps{})
	admin := env.tokenFor(t, "admin", "admin")
	board := env.tokenFor(t, "board", "board_member")

	rr := env.do(t, http.MethodPost, "/api/members", board, `{"lebitso":"Neo","fane":"Molefe"}`)
	expectStatus(t, rr, http.StatusForbidden)

	rr = env.do(t, http.MethodPut, "/api/admin/users/user-board/role", admin, `{"role":"overlord"}`)
	expectStatus(t, rr, http.StatusUnprocessableEntity)
	rr = env.do(t, http.MethodPut, "/api/admin/users/nobody/role", admin, `{"role":"admin"}`)
	expectStatus(t, rr, http.StatusNotFound)
	rr = env.do(t, http.MethodPut, "/api/admin/users/user-board/role", admin, `{"role":"admin"}`)
	expectStatus(t, rr, http.StatusOK)

	rr = env.do(t, http.MethodPost, "/api/members", board, `{"lebitso":"Neo","fane":"Molefe"}`)
	expectStatus(t, rr, http.StatusCreated)
}

func TestCreateRole(t *testing.T) {
	env := newTestEnv(t, Deps{})
	admin := env.tokenFor(t, "admin", "admin")

	rr := env.do(t, http.MethodPost, "/api/admin/roles", admin, `{"role_name":"clerk","can_view":"yes","can_add":1}`)
	expectStatus(t, rr, http.StatusUnprocessableEntity)
	fields := decodeObject(t, rr)["details"].(map[string]any)["fields"].([]any)
	if len(fields) != 2 || fields[0] != "can_view" || fields[1] != "can_add" {
		t.Fatalf("unexpected fields %v", fields)
	}

	rr = env.do(t, http.MethodPost, "/api/admin/roles", admin, `{"role_name":"  ","can_view":true}`)
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	rr = env.do(t, http.MethodPost, "/api/admin/roles", admin, `{"role_name":"clerk","can_view":true,"can_update":true}`)
	expectStatus(t, rr, http.StatusCreated)
	role := decodeObject(t, rr)
	if role["can_view"] != true || role["can_update"] != true || role["can_add"] != false {
		t.Fatalf("unexpected role %v", role)
	}

	rr = env.do(t, http.MethodPost, "/api/admin/roles", admin, `{"role_name":"clerk","can_view":true}`)
	expectStatus(t, rr, http.StatusConflict)

	rr = env.do(t, http.MethodGet, "/api/admin/roles", admin, "")
	expectStatus(t, rr, http.StatusOK)
	if rows := decodeList(t, rr); len(rows) != 4 {
		t.Fatalf("expected 4 roles, got %d", len(rows))
	}
}

func TestActionLogRecordsOperations(t *testing.T) {
	st, err := memstore.New()
	if err != nil {
		t.Fatalf("memstore: %v", err)
	}
	logger := actionlog.New(st, 16, nil)
	engine := archive.NewEngine(st, archive.WithHooks(logger.Hook))
	env := newTestEnv(t, Deps{Store: st, Engine: engine, Actions: logger})
	admin := env.tokenFor(t, "admin", "admin")

	addMembers(t, env, admin, "Thabo")
	rr := env.do(t, http.MethodPut, "/api/members/1/receipt", admin, `{"year":"2026","receipt":"R-1"}`)
	expectStatus(t, rr, http.StatusOK)
	rr = env.do(t, http.MethodPut, "/api/members/1/archive", admin, `{"status":"Deceased"}`)
	expectStatus(t, rr, http.StatusOK)
	logger.Close()

	rr = env.do(t, http.MethodGet, "/api/admin/action_logs", admin, "")
	expectStatus(t, rr, http.StatusOK)
	rows := decodeList(t, rr)
	var actions []string
	for _, row := range rows {
		actions = append(actions, row["action"].(string))
		if row["username"] != "admin" {
			t.Fatalf("expected username to be joined, got %v", row["username"])
		}
	}
	want := []string{archive.ActionArchiveMember, ActionUpdateReceipt, archive.ActionAddMember}
	if len(actions) != len(want) {
		t.Fatalf("expected %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, actions)
		}
	}
}

type failingRegistry struct{}

func (failingRegistry) Lookup(context.Context, string) (rbac.Permissions, error) {
	return rbac.Permissions{}, errors.New("roles table unavailable")
}

func TestRegistryFailureIsNotADeny(t *testing.T) {
	env := newTestEnv(t, Deps{Registry: failingRegistry{}})
	admin := env.tokenFor(t, "admin", "admin")

	rr := env.do(t, http.MethodGet, "/api/members", admin, "")
	expectStatus(t, rr, http.StatusInternalServerError)
	if code := decodeObject(t, rr)["code"]; code != "AUTHZ_UNAVAILABLE" {
		t.Fatalf("expected AUTHZ_UNAVAILABLE, got %v", code)
	}
}

func TestMetricsRecordDenialsAndRequests(t *testing.T) {
	m := metrics.New()
	env := newTestEnv(t, Deps{Metrics: m})
	guest := env.tokenFor(t, "guest", "guest")

	rr := env.do(t, http.MethodGet, "/api/members", guest, "")
	expectStatus(t, rr, http.StatusForbidden)

	rr = env.do(t, http.MethodGet, "/metrics", "", "")
	expectStatus(t, rr, http.StatusOK)
	body := rr.Body.String()
	for _, want := range []string{
		`lecsa_authz_denials_total{capability="view",reason="insufficient permissions"} 1`,
		`lecsa_http_requests_total{method="GET",status="403"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics to contain %q", want)
		}
	}
}

func TestBootstrapCreatesAdminOnce(t *testing.T) {
	st, err := memstore.New()
	if err != nil {
		t.Fatalf("memstore: %v", err)
	}
	env := newTestEnv(t, Deps{Store: st})
	env.svc.cfg.AdminUsername = "root"
	env.svc.cfg.AdminPassword = "correct-horse"
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := env.svc.Bootstrap(ctx, rbac.DefaultSeed()); err != nil {
			t.Fatalf("bootstrap %d: %v", i, err)
		}
	}
	user, err := st.GetUserByUsername(ctx, "root")
	if err != nil {
		t.Fatalf("admin user: %v", err)
	}
	if user.Role != "admin" {
		t.Fatalf("expected admin role, got %q", user.Role)
	}

	session, err := env.svc.Login(ctx, "root", "correct-horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !session.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected future expiry, got %v", session.ExpiresAt)
	}
}
