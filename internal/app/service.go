package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"lecsa/api/internal/archive"
	"lecsa/api/internal/auth"
	"lecsa/api/internal/authpw"
	"lecsa/api/internal/config"
	"lecsa/api/internal/metrics"
	"lecsa/api/internal/rbac"
	"lecsa/api/internal/search"
	"lecsa/api/internal/session"
	"lecsa/api/internal/store"
	"lecsa/api/internal/util"
)

// Action tags for operations that do not go through the archive engine.
const (
	ActionRegister       = "register"
	ActionLogin          = "login"
	ActionUpdateReceipt  = "update_receipt"
	ActionAddRole        = "add_role"
	ActionUpdateUserRole = "update_role"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

// ActionLogger records audit entries without blocking the caller.
type ActionLogger interface {
	Log(actorID, action string, details map[string]any)
}

type Deps struct {
	Store       store.Store
	Engine      *archive.Engine
	Registry    rbac.Registry
	Passwords   *authpw.Service
	Revocations session.Revocations
	Search      *search.Service
	Actions     ActionLogger
	Metrics     *metrics.Metrics
}

type Service struct {
	cfg         config.Config
	store       store.Store
	engine      *archive.Engine
	registry    rbac.Registry
	passwords   *authpw.Service
	revocations session.Revocations
	search      *search.Service
	actions     ActionLogger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type noopActions struct{}

func (noopActions) Log(string, string, map[string]any) {}

// NewService wires the API. Only Store is required; the rest default to
// store-backed implementations.
func NewService(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:         cfg,
		store:       deps.Store,
		engine:      deps.Engine,
		registry:    deps.Registry,
		passwords:   deps.Passwords,
		revocations: deps.Revocations,
		search:      deps.Search,
		actions:     deps.Actions,
		metrics:     deps.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if s.engine == nil {
		s.engine = archive.NewEngine(deps.Store)
	}
	if s.registry == nil {
		s.registry = rbac.StoreRegistry{Roles: deps.Store}
	}
	if s.passwords == nil {
		s.passwords = authpw.NewService(deps.Store, rbac.DefaultRole)
	}
	if s.revocations == nil {
		s.revocations = session.StoreRevocations{Table: deps.Store}
	}
	if s.search == nil {
		s.search = search.NewService(nil, deps.Store)
	}
	if s.actions == nil {
		s.actions = noopActions{}
	}
	return s
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap creates any missing seed roles and, when configured, the
// administrator account. Existing rows are left untouched.
func (s *Service) Bootstrap(ctx context.Context, roles []rbac.SeedRole) error {
	for _, role := range roles {
		if err := s.store.EnsureRole(ctx, role.Permissions.Role(role.Name)); err != nil {
			return fmt.Errorf("seed role %q: %w", role.Name, err)
		}
	}
	if s.cfg.AdminUsername == "" {
		return nil
	}
	_, err := s.store.GetUserByUsername(ctx, s.cfg.AdminUsername)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("look up admin user: %w", err)
	}
	if _, err := s.passwords.RegisterWithRole(ctx, s.cfg.AdminUsername, s.cfg.AdminPassword, "admin"); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	return nil
}

func (s *Service) Register(ctx context.Context, username, password string) (store.User, error) {
	user, err := s.passwords.Register(ctx, strings.TrimSpace(username), password)
	if err != nil {
		return store.User{}, credentialError(err)
	}
	s.actions.Log(user.ID, ActionRegister, map[string]any{"username": user.Username})
	return user, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, strings.TrimSpace(username), password)
	if err != nil {
		return Session{}, credentialError(err)
	}
	now := s.now()
	claims := auth.NewClaims(user.ID, user.Username, user.Role, util.NewID("tok"), now, s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.SecretKey), claims)
	if err != nil {
		return Session{}, err
	}
	s.actions.Log(user.ID, ActionLogin, map[string]any{"username": user.Username})
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		Role:      user.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func credentialError(err error) error {
	switch {
	case errors.Is(err, authpw.ErrMissingCredentials), errors.Is(err, authpw.ErrWeakPassword):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, authpw.ErrUsernameTaken):
		return domainError(http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), nil)
	default:
		return err
	}
}

// SessionFromToken validates a bearer token. The role is read from the users
// table, not from the token, so role changes apply to live sessions.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SecretKey), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session user: %w", err)
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		Role:      user.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session) error {
	if err := s.revocations.Revoke(ctx, sess.JTI, sess.ExpiresAt); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// authorize turns a deny into a 403 carrying the reason, and a registry
// failure into a 500 that is never mistaken for a deny.
func (s *Service) authorize(ctx context.Context, sess Session, c rbac.Capability) error {
	decision, err := rbac.Authorize(ctx, s.registry, sess.Role, c)
	if err != nil {
		return domainError(http.StatusInternalServerError, "AUTHZ_UNAVAILABLE", "authorization check failed", nil)
	}
	if !decision.Allowed {
		if s.metrics != nil {
			s.metrics.Denied(string(c), decision.Reason)
		}
		return domainError(http.StatusForbidden, "FORBIDDEN", decision.Reason, map[string]any{
			"capability": c,
		})
	}
	return nil
}

func (s *Service) RegisterMember(ctx context.Context, sess Session, lebitso, fane string) (store.Member, error) {
	if err := s.authorize(ctx, sess, rbac.CapAdd); err != nil {
		return store.Member{}, err
	}
	return s.engine.RegisterMember(ctx, sess.UserID, lebitso, fane)
}

func (s *Service) ListMembers(ctx context.Context, sess Session, q store.ListQuery) ([]store.Member, error) {
	if err := s.authorize(ctx, sess, rbac.CapView); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, q)
}

func (s *Service) UpdateReceipt(ctx context.Context, sess Session, palo, year int, receipt string) error {
	if err := s.authorize(ctx, sess, rbac.CapUpdate); err != nil {
		return err
	}
	receipt = strings.TrimSpace(receipt)
	var fields []string
	if !store.ValidReceiptYear(year) {
		fields = append(fields, "year")
	}
	if receipt == "" {
		fields = append(fields, "receipt")
	}
	if len(fields) > 0 {
		return &archive.ValidationError{Message: "valid year and receipt are required", Fields: fields}
	}
	if err := s.store.UpdateMemberReceipt(ctx, palo, year, receipt); err != nil {
		return err
	}
	s.actions.Log(sess.UserID, ActionUpdateReceipt, map[string]any{"palo": palo, "year": year, "receipt": receipt})
	return nil
}

func (s *Service) ArchiveMember(ctx context.Context, sess Session, palo int, status string) (store.ArchiveEntry, error) {
	if err := s.authorize(ctx, sess, rbac.CapArchive); err != nil {
		return store.ArchiveEntry{}, err
	}
	reason, ok := archive.ParseReason(status)
	if !ok {
		return store.ArchiveEntry{}, &archive.ValidationError{Message: "status must be Moved or Deceased", Fields: []string{"status"}}
	}
	return s.engine.ArchiveMember(ctx, sess.UserID, palo, reason)
}

func (s *Service) RestoreArchive(ctx context.Context, sess Session, archiveID string) (store.Member, error) {
	if err := s.authorize(ctx, sess, rbac.CapArchive); err != nil {
		return store.Member{}, err
	}
	return s.engine.RestoreArchive(ctx, sess.UserID, archiveID)
}

// ListArchives sweeps both sacrament collections first so the result
// includes every record that has passed retention.
func (s *Service) ListArchives(ctx context.Context, sess Session, text string) ([]store.ArchiveEntry, error) {
	if err := s.authorize(ctx, sess, rbac.CapView); err != nil {
		return nil, err
	}
	if _, err := s.engine.Sweep(ctx, sess.UserID); err != nil {
		return nil, err
	}
	return s.search.Archives(ctx, text)
}

func (s *Service) CreateBaptism(ctx context.Context, sess Session, b store.Baptism) (store.Baptism, error) {
	if err := s.authorize(ctx, sess, rbac.CapAdd); err != nil {
		return store.Baptism{}, err
	}
	return s.engine.CreateBaptism(ctx, sess.UserID, b)
}

func (s *Service) ListBaptisms(ctx context.Context, sess Session, q store.ListQuery) ([]store.Baptism, error) {
	if err := s.authorize(ctx, sess, rbac.CapView); err != nil {
		return nil, err
	}
	if _, err := s.engine.SweepBaptisms(ctx, sess.UserID); err != nil {
		return nil, err
	}
	return s.store.ListBaptisms(ctx, q)
}

func (s *Service) CreateWedding(ctx context.Context, sess Session, w store.Wedding) (store.Wedding, error) {
	if err := s.authorize(ctx, sess, rbac.CapAdd); err != nil {
		return store.Wedding{}, err
	}
	return s.engine.CreateWedding(ctx, sess.UserID, w)
}

func (s *Service) ListWeddings(ctx context.Context, sess Session, q store.ListQuery) ([]store.Wedding, error) {
	if err := s.authorize(ctx, sess, rbac.CapView); err != nil {
		return nil, err
	}
	if _, err := s.engine.SweepWeddings(ctx, sess.UserID); err != nil {
		return nil, err
	}
	return s.store.ListWeddings(ctx, q)
}

func (s *Service) ListRoles(ctx context.Context, sess Session) ([]store.Role, error) {
	if err := s.authorize(ctx, sess, rbac.CapView); err != nil {
		return nil, err
	}
	return s.store.ListRoles(ctx)
}

func (s *Service) CreateRole(ctx context.Context, sess Session, name string, perms rbac.Permissions) (store.Role, error) {
	if err := s.authorize(ctx, sess, rbac.CapAdd); err != nil {
		return store.Role{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Role{}, &archive.ValidationError{Message: "role_name is required", Fields: []string{"role_name"}}
	}
	role := perms.Role(name)
	if err := s.store.InsertRole(ctx, role); err != nil {
		return store.Role{}, err
	}
	s.actions.Log(sess.UserID, ActionAddRole, map[string]any{"role_name": name})
	return role, nil
}

func (s *Service) ListUsers(ctx context.Context, sess Session) ([]store.User, error) {
	if err := s.authorize(ctx, sess, rbac.CapView); err != nil {
		return nil, err
	}
	return s.store.ListUsers(ctx)
}

func (s *Service) UpdateUserRole(ctx context.Context, sess Session, userID, role string) error {
	if err := s.authorize(ctx, sess, rbac.CapUpdate); err != nil {
		return err
	}
	role = strings.TrimSpace(role)
	if _, err := s.store.GetRole(ctx, role); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &archive.ValidationError{Message: "unknown role", Fields: []string{"role"}}
		}
		return err
	}
	if err := s.store.UpdateUserRole(ctx, userID, role); err != nil {
		return err
	}
	s.actions.Log(sess.UserID, ActionUpdateUserRole, map[string]any{"userId": userID, "role": role})
	return nil
}

func (s *Service) ListActionLogs(ctx context.Context, sess Session, limit int) ([]store.ActionLogEntry, error) {
	if err := s.authorize(ctx, sess, rbac.CapView); err != nil {
		return nil, err
	}
	return s.store.ListActionLogs(ctx, limit)
}
