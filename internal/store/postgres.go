package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", translateError(err))
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetRole(ctx context.Context, name string) (Role, error) {
	var role Role
	err := s.db.QueryRowContext(ctx, `
		SELECT role_name, can_view, can_add, can_update, can_archive
		FROM roles
		WHERE role_name = $1
	`, name).Scan(&role.Name, &role.CanView, &role.CanAdd, &role.CanUpdate, &role.CanArchive)
	if err != nil {
		return Role{}, translateError(err)
	}
	return role, nil
}

func (s *PostgresStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role_name, can_view, can_add, can_update, can_archive
		FROM roles
		ORDER BY role_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	items := make([]Role, 0)
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.Name, &role.CanView, &role.CanAdd, &role.CanUpdate, &role.CanArchive); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		items = append(items, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertRole(ctx context.Context, role Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (role_name, can_view, can_add, can_update, can_archive)
		VALUES ($1, $2, $3, $4, $5)
	`, role.Name, role.CanView, role.CanAdd, role.CanUpdate, role.CanArchive)
	if err != nil {
		return fmt.Errorf("insert role: %w", translateError(err))
	}
	return nil
}

func (s *PostgresStore) EnsureRole(ctx context.Context, role Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (role_name, can_view, can_add, can_update, can_archive)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (role_name) DO NOTHING
	`, role.Name, role.CanView, role.CanAdd, role.CanUpdate, role.CanArchive)
	if err != nil {
		return fmt.Errorf("ensure role: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return User{}, ErrNotFound
	}
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, translateError(err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at FROM users WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, translateError(err)
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role) VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("create user: %w", translateError(err))
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, role, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.Role, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return ErrNotFound
	}
	result, err := s.db.ExecContext(ctx, `UPDATE users SET role = $1 WHERE id = $2`, role, userID)
	if err != nil {
		return fmt.Errorf("update user role: %w", translateError(err))
	}
	return requireAffected(result)
}

const memberColumns = `id, palo, lebitso, fane, receipt_2024, receipt_2025, receipt_2026,
	receipt_2027, receipt_2028, receipt_2029, receipt_2030, created_at`

func (s *PostgresStore) ListMembers(ctx context.Context, q ListQuery) ([]Member, error) {
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memberColumns+`
		FROM members
		WHERE lebitso ILIKE $1 OR fane ILIKE $1 OR palo::text ILIKE $1
		ORDER BY palo `+order+`
		LIMIT $2
	`, likePattern(q.Search), q.EffectiveLimit())
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateMemberReceipt(ctx context.Context, palo, year int, receipt string) error {
	if !ValidReceiptYear(year) {
		return fmt.Errorf("receipt year %d has no column", year)
	}
	// Archive and restore renumber palos under the members lock, so the
	// palo must be resolved under it too.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	locked := &pgTx{tx: tx}
	if err := locked.LockSequence(ctx, CollectionMembers); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE members SET receipt_%d = $1 WHERE palo = $2`, year),
		receipt, palo,
	)
	if err != nil {
		return fmt.Errorf("update receipt: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const baptismColumns = `id, first_name, middle_name, surname, date_of_birth, father_first_name,
	father_middle_name, father_surname, mother_first_name, mother_middle_name, mother_surname,
	baptism_date, pastor, archived, created_at`

func (s *PostgresStore) ListBaptisms(ctx context.Context, q ListQuery) ([]Baptism, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+baptismColumns+`
		FROM baptisms
		WHERE (first_name ILIKE $1 OR surname ILIKE $1) AND archived = FALSE
		ORDER BY baptism_date DESC
		LIMIT $2
	`, likePattern(q.Search), q.EffectiveLimit())
	if err != nil {
		return nil, fmt.Errorf("list baptisms: %w", err)
	}
	defer rows.Close()
	return collectBaptisms(rows)
}

const weddingColumns = `id, groom_first_name, groom_middle_name, groom_surname, groom_id_number,
	bride_first_name, bride_middle_name, bride_surname, bride_id_number, wedding_date, pastor,
	location, archived, created_at`

func (s *PostgresStore) ListWeddings(ctx context.Context, q ListQuery) ([]Wedding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+weddingColumns+`
		FROM weddings
		WHERE (groom_first_name ILIKE $1 OR groom_surname ILIKE $1
			OR bride_first_name ILIKE $1 OR bride_surname ILIKE $1)
			AND archived = FALSE
		ORDER BY wedding_date DESC
		LIMIT $2
	`, likePattern(q.Search), q.EffectiveLimit())
	if err != nil {
		return nil, fmt.Errorf("list weddings: %w", err)
	}
	defer rows.Close()
	return collectWeddings(rows)
}

func (s *PostgresStore) ListArchives(ctx context.Context, search string) ([]ArchiveEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, palo, record_type, details, archived_at
		FROM archives
		WHERE details->>'lebitso' ILIKE $1
			OR details->>'fane' ILIKE $1
			OR details->>'name' ILIKE $1
			OR details->>'groom_name' ILIKE $1
			OR details->>'bride_name' ILIKE $1
			OR palo::text ILIKE $1
		ORDER BY palo ASC
	`, likePattern(search))
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	defer rows.Close()
	return collectArchives(rows)
}

func (s *PostgresStore) GetArchivesByIDs(ctx context.Context, ids []string) ([]ArchiveEntry, error) {
	if len(ids) == 0 {
		return []ArchiveEntry{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, palo, record_type, details, archived_at
		FROM archives
		WHERE id::text = ANY($1)
		ORDER BY palo ASC
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("get archives: %w", err)
	}
	defer rows.Close()
	return collectArchives(rows)
}

func (s *PostgresStore) InsertActionLog(ctx context.Context, entry ActionLogEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal action details: %w", err)
	}
	var userID any
	if _, err := uuid.Parse(entry.UserID); err == nil {
		userID = entry.UserID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_logs (user_id, action, details) VALUES ($1, $2, $3)
	`, userID, entry.Action, string(details))
	if err != nil {
		return fmt.Errorf("insert action log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActionLogs(ctx context.Context, limit int) ([]ActionLogEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT al.id, COALESCE(al.user_id::text, ''), COALESCE(u.username, ''), al.action, al.details, al.timestamp
		FROM action_logs al
		LEFT JOIN users u ON u.id = al.user_id
		ORDER BY al.timestamp DESC, al.id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list action logs: %w", err)
	}
	defer rows.Close()

	items := make([]ActionLogEntry, 0)
	for rows.Next() {
		var item ActionLogEntry
		var details []byte
		if err := rows.Scan(&item.ID, &item.UserID, &item.Username, &item.Action, &details, &item.Timestamp); err != nil {
			return nil, fmt.Errorf("scan action log: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &item.Details); err != nil {
				return nil, fmt.Errorf("decode action details: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action logs: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (Member, error) {
	var member Member
	receipts := make([]sql.NullString, len(ReceiptYears))
	dest := []any{&member.ID, &member.Palo, &member.Lebitso, &member.Fane}
	for i := range receipts {
		dest = append(dest, &receipts[i])
	}
	dest = append(dest, &member.CreatedAt)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Member{}, ErrNotFound
		}
		return Member{}, fmt.Errorf("scan member: %w", err)
	}
	member.Receipts = Receipts{}
	for i, year := range ReceiptYears {
		if receipts[i].Valid {
			member.Receipts[year] = receipts[i].String
		}
	}
	return member, nil
}

func scanBaptism(row rowScanner) (Baptism, error) {
	var item Baptism
	var middle, fatherMiddle, motherMiddle sql.NullString
	err := row.Scan(
		&item.ID, &item.FirstName, &middle, &item.Surname, &item.DateOfBirth,
		&item.FatherFirstName, &fatherMiddle, &item.FatherSurname,
		&item.MotherFirstName, &motherMiddle, &item.MotherSurname,
		&item.BaptismDate, &item.Pastor, &item.Archived, &item.CreatedAt,
	)
	if err != nil {
		return Baptism{}, fmt.Errorf("scan baptism: %w", err)
	}
	item.MiddleName = middle.String
	item.FatherMiddleName = fatherMiddle.String
	item.MotherMiddleName = motherMiddle.String
	return item, nil
}

func collectBaptisms(rows *sql.Rows) ([]Baptism, error) {
	items := make([]Baptism, 0)
	for rows.Next() {
		item, err := scanBaptism(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate baptisms: %w", err)
	}
	return items, nil
}

func scanWedding(row rowScanner) (Wedding, error) {
	var item Wedding
	var groomMiddle, groomID, brideMiddle, brideID sql.NullString
	err := row.Scan(
		&item.ID, &item.GroomFirstName, &groomMiddle, &item.GroomSurname, &groomID,
		&item.BrideFirstName, &brideMiddle, &item.BrideSurname, &brideID,
		&item.WeddingDate, &item.Pastor, &item.Location, &item.Archived, &item.CreatedAt,
	)
	if err != nil {
		return Wedding{}, fmt.Errorf("scan wedding: %w", err)
	}
	item.GroomMiddleName = groomMiddle.String
	item.GroomIDNumber = groomID.String
	item.BrideMiddleName = brideMiddle.String
	item.BrideIDNumber = brideID.String
	return item, nil
}

func collectWeddings(rows *sql.Rows) ([]Wedding, error) {
	items := make([]Wedding, 0)
	for rows.Next() {
		item, err := scanWedding(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate weddings: %w", err)
	}
	return items, nil
}

func scanArchive(row rowScanner) (ArchiveEntry, error) {
	var item ArchiveEntry
	var recordType string
	var details []byte
	if err := row.Scan(&item.ID, &item.Palo, &recordType, &details, &item.ArchivedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ArchiveEntry{}, ErrNotFound
		}
		return ArchiveEntry{}, fmt.Errorf("scan archive: %w", err)
	}
	item.RecordType = RecordType(recordType)
	item.Details = json.RawMessage(details)
	return item, nil
}

func collectArchives(rows *sql.Rows) ([]ArchiveEntry, error) {
	items := make([]ArchiveEntry, 0)
	for rows.Next() {
		item, err := scanArchive(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archives: %w", err)
	}
	return items, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// translateError maps driver errors onto the store's sentinel errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func likePattern(search string) string {
	search = strings.TrimSpace(search)
	if search == "" {
		return "%"
	}
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(search) + "%"
}

func nullString(value string) sql.NullString {
	trimmed := strings.TrimSpace(value)
	return sql.NullString{String: trimmed, Valid: trimmed != ""}
}
