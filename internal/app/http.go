package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lecsa/api/internal/archive"
	"lecsa/api/internal/auth"
	"lecsa/api/internal/rbac"
	"lecsa/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		if m := s.service.Metrics(); m != nil {
			m.Handler().ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// Account routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/register/public" {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.Register(r.Context(), body.Username, body.Password)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"message": "User registered successfully",
			"id":      user.ID,
			"role":    user.Role,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/login" {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Username, body.Password)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":    session.Token,
			"role":     session.Role,
			"userName": session.UserName,
			"userId":   session.UserID,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/logout" {
		if err := s.service.Logout(r.Context(), session); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "members":
		s.handleMembers(w, r, session, parts[2:])
	case "archives":
		s.handleArchives(w, r, session, parts[2:])
	case "baptisms":
		s.handleBaptisms(w, r, session, parts[2:])
	case "weddings":
		s.handleWeddings(w, r, session, parts[2:])
	case "admin":
		s.handleAdmin(w, r, session, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleMembers(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 && r.Method == http.MethodGet {
		query, ok := listQuery(w, r)
		if !ok {
			return
		}
		// A limited listing shows the most recent registrations first.
		query.Descending = query.Limit > 0
		members, err := s.service.ListMembers(r.Context(), session, query)
		if err != nil {
			s.fail(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(members))
		for _, m := range members {
			payload = append(payload, memberPayload(m))
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 0 && r.Method == http.MethodPost {
		var body struct {
			Lebitso string `json:"lebitso"`
			Fane    string `json:"fane"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		member, err := s.service.RegisterMember(r.Context(), session, body.Lebitso, body.Fane)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"message": "Member registered successfully",
			"id":      member.ID,
			"palo":    member.Palo,
		})
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPut {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	palo, err := strconv.Atoi(parts[0])
	if err != nil || palo < 1 {
		writeError(w, http.StatusBadRequest, "INVALID_PALO", "Invalid palo format", nil)
		return
	}

	switch parts[1] {
	case "receipt":
		var body struct {
			Year    json.RawMessage `json:"year"`
			Receipt string          `json:"receipt"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateReceipt(r.Context(), session, palo, parseYear(body.Year), body.Receipt); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Receipt updated successfully"})
	case "archive":
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		entry, err := s.service.ArchiveMember(r.Context(), session, palo, body.Status)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Member archived successfully",
			"archive": archivePayload(entry),
		})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleArchives(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 && r.Method == http.MethodGet {
		entries, err := s.service.ListArchives(r.Context(), session, r.URL.Query().Get("search"))
		if err != nil {
			s.fail(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			payload = append(payload, archivePayload(e))
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 2 && parts[1] == "restore" && r.Method == http.MethodPut {
		member, err := s.service.RestoreArchive(r.Context(), session, parts[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Member restored successfully",
			"id":      member.ID,
			"palo":    member.Palo,
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleBaptisms(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		query, ok := listQuery(w, r)
		if !ok {
			return
		}
		baptisms, err := s.service.ListBaptisms(r.Context(), session, query)
		if err != nil {
			s.fail(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(baptisms))
		for _, b := range baptisms {
			payload = append(payload, baptismPayload(b))
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPost:
		var body struct {
			Baptism *baptismInput `json:"baptism"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Baptism == nil {
			body.Baptism = &baptismInput{}
		}
		input, err := body.Baptism.toBaptism()
		if err != nil {
			s.fail(w, err)
			return
		}
		created, err := s.service.CreateBaptism(r.Context(), session, input)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"message": "Baptism recorded successfully",
			"id":      created.ID,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleWeddings(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		query, ok := listQuery(w, r)
		if !ok {
			return
		}
		weddings, err := s.service.ListWeddings(r.Context(), session, query)
		if err != nil {
			s.fail(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(weddings))
		for _, wd := range weddings {
			payload = append(payload, weddingPayload(wd))
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPost:
		var body weddingInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		input, err := body.toWedding()
		if err != nil {
			s.fail(w, err)
			return
		}
		created, err := s.service.CreateWedding(r.Context(), session, input)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"message":  "Wedding recorded successfully",
			"id":       created.ID,
			"archived": created.Archived,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 1 && parts[0] == "roles" && r.Method == http.MethodGet {
		roles, err := s.service.ListRoles(r.Context(), session)
		if err != nil {
			s.fail(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(roles))
		for _, role := range roles {
			payload = append(payload, rolePayload(role))
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 1 && parts[0] == "roles" && r.Method == http.MethodPost {
		var body struct {
			RoleName   string          `json:"role_name"`
			CanView    json.RawMessage `json:"can_view"`
			CanAdd     json.RawMessage `json:"can_add"`
			CanUpdate  json.RawMessage `json:"can_update"`
			CanArchive json.RawMessage `json:"can_archive"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		var perms rbac.Permissions
		var bad []string
		for _, flag := range []struct {
			name   string
			raw    json.RawMessage
			target *bool
		}{
			{"can_view", body.CanView, &perms.View},
			{"can_add", body.CanAdd, &perms.Add},
			{"can_update", body.CanUpdate, &perms.Update},
			{"can_archive", body.CanArchive, &perms.Archive},
		} {
			value, ok := parseFlag(flag.raw)
			if !ok {
				bad = append(bad, flag.name)
				continue
			}
			*flag.target = value
		}
		if len(bad) > 0 {
			s.fail(w, &archive.ValidationError{Message: "permission flags must be booleans", Fields: bad})
			return
		}
		role, err := s.service.CreateRole(r.Context(), session, body.RoleName, perms)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rolePayload(role))
		return
	}

	if len(parts) == 1 && parts[0] == "users" && r.Method == http.MethodGet {
		users, err := s.service.ListUsers(r.Context(), session)
		if err != nil {
			s.fail(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(users))
		for _, u := range users {
			payload = append(payload, map[string]any{
				"id":         u.ID,
				"username":   u.Username,
				"role":       u.Role,
				"created_at": u.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 3 && parts[0] == "users" && parts[2] == "role" && r.Method == http.MethodPut {
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateUserRole(r.Context(), session, parts[1], body.Role); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Role updated successfully"})
		return
	}

	if len(parts) == 1 && parts[0] == "action_logs" && r.Method == http.MethodGet {
		query, ok := listQuery(w, r)
		if !ok {
			return
		}
		logs, err := s.service.ListActionLogs(r.Context(), session, query.Limit)
		if err != nil {
			s.fail(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(logs))
		for _, entry := range logs {
			payload = append(payload, map[string]any{
				"id":        entry.ID,
				"user_id":   nullable(entry.UserID),
				"username":  nullable(entry.Username),
				"action":    entry.Action,
				"details":   entry.Details,
				"timestamp": entry.Timestamp,
			})
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		log.Printf("session lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// fail maps err onto an error response. Unexpected errors are logged since
// the client only sees a generic message.
func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		if m := s.service.Metrics(); m != nil {
			m.ObserveRequest(r.Method, writer.status, elapsed)
		}
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			elapsed.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// listQuery reads search and limit. A missing or empty limit means the
// store default.
func listQuery(w http.ResponseWriter, r *http.Request) (store.ListQuery, bool) {
	query := store.ListQuery{Search: strings.TrimSpace(r.URL.Query().Get("search"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a positive integer", map[string]any{
				"fields": []string{"limit"},
			})
			return store.ListQuery{}, false
		}
		query.Limit = limit
	}
	return query, true
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *archive.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationErr.Message, map[string]any{
			"fields": validationErr.Fields,
		}
	}
	var snapshotErr *archive.SnapshotError
	if errors.As(err, &snapshotErr) {
		return http.StatusBadRequest, "INVALID_SNAPSHOT", "Archive entry cannot be restored", map[string]any{
			"fields": snapshotErr.Fields,
		}
	}
	if errors.Is(err, archive.ErrRestoreUnsupported) {
		return http.StatusBadRequest, "RESTORE_UNSUPPORTED", "Only member archive entries can be restored", nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
