package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Advisory lock keys for the palo sequences. pg_advisory_xact_lock releases
// them on commit or rollback.
var sequenceLockKeys = map[Collection]int64{
	CollectionMembers:  0x6c65_6d62, // "lemb"
	CollectionArchives: 0x6c65_6172, // "lear"
}

type pgTx struct {
	tx *sql.Tx
}

func sequenceTable(collection Collection) (string, error) {
	switch collection {
	case CollectionMembers:
		return "members", nil
	case CollectionArchives:
		return "archives", nil
	default:
		return "", fmt.Errorf("unknown palo collection %q", collection)
	}
}

func (t *pgTx) LockSequence(ctx context.Context, collection Collection) error {
	key, ok := sequenceLockKeys[collection]
	if !ok {
		return fmt.Errorf("unknown palo collection %q", collection)
	}
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return fmt.Errorf("lock %s sequence: %w", collection, err)
	}
	return nil
}

func (t *pgTx) MaxPalo(ctx context.Context, collection Collection) (int, error) {
	table, err := sequenceTable(collection)
	if err != nil {
		return 0, err
	}
	query := `SELECT COALESCE(MAX(palo), 0) FROM ` + table
	if collection == CollectionArchives {
		query = `
			SELECT GREATEST(
				COALESCE((SELECT MAX(palo) FROM archives), 0),
				COALESCE((SELECT high_water FROM palo_high_water WHERE collection = 'archives'), 0)
			)`
	}
	var highest int
	if err := t.tx.QueryRowContext(ctx, query).Scan(&highest); err != nil {
		return 0, fmt.Errorf("max %s palo: %w", collection, err)
	}
	return highest, nil
}

func (t *pgTx) ShiftPalosDown(ctx context.Context, collection Collection, above int) error {
	table, err := sequenceTable(collection)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE `+table+` SET palo = palo - 1 WHERE palo > $1`, above); err != nil {
		return fmt.Errorf("shift %s palos: %w", collection, translateError(err))
	}
	return nil
}

func (t *pgTx) GetMemberByPalo(ctx context.Context, palo int) (Member, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE palo = $1 FOR UPDATE`, palo)
	return scanMember(row)
}

func (t *pgTx) InsertMember(ctx context.Context, member Member) error {
	args := []any{member.ID, member.Palo, member.Lebitso, member.Fane}
	for _, year := range ReceiptYears {
		value, ok := member.Receipts[year]
		args = append(args, sql.NullString{String: value, Valid: ok})
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO members (
			id, palo, lebitso, fane,
			receipt_2024, receipt_2025, receipt_2026, receipt_2027,
			receipt_2028, receipt_2029, receipt_2030
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, args...)
	if err != nil {
		return fmt.Errorf("insert member: %w", translateError(err))
	}
	return nil
}

func (t *pgTx) DeleteMember(ctx context.Context, id string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM members WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	return requireAffected(result)
}

func (t *pgTx) InsertArchive(ctx context.Context, entry ArchiveEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO archives (id, palo, record_type, details) VALUES ($1, $2, $3, $4)
	`, entry.ID, entry.Palo, string(entry.RecordType), string(entry.Details))
	if err != nil {
		return fmt.Errorf("insert archive: %w", translateError(err))
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO palo_high_water (collection, high_water) VALUES ('archives', $1)
		ON CONFLICT (collection) DO UPDATE
		SET high_water = GREATEST(palo_high_water.high_water, EXCLUDED.high_water)
	`, entry.Palo)
	if err != nil {
		return fmt.Errorf("record archive high water: %w", err)
	}
	return nil
}

func (t *pgTx) GetArchive(ctx context.Context, id string) (ArchiveEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return ArchiveEntry{}, ErrNotFound
	}
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, palo, record_type, details, archived_at FROM archives WHERE id = $1 FOR UPDATE
	`, id)
	return scanArchive(row)
}

func (t *pgTx) DeleteArchive(ctx context.Context, id string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM archives WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete archive: %w", err)
	}
	return requireAffected(result)
}

func (t *pgTx) InsertBaptism(ctx context.Context, b Baptism) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO baptisms (
			id, first_name, middle_name, surname, date_of_birth,
			father_first_name, father_middle_name, father_surname,
			mother_first_name, mother_middle_name, mother_surname,
			baptism_date, pastor, archived
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		b.ID, b.FirstName, nullString(b.MiddleName), b.Surname, b.DateOfBirth,
		b.FatherFirstName, nullString(b.FatherMiddleName), b.FatherSurname,
		b.MotherFirstName, nullString(b.MotherMiddleName), b.MotherSurname,
		b.BaptismDate, b.Pastor, b.Archived,
	)
	if err != nil {
		return fmt.Errorf("insert baptism: %w", translateError(err))
	}
	return nil
}

func (t *pgTx) DueBaptisms(ctx context.Context, cutoff time.Time) ([]Baptism, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+baptismColumns+`
		FROM baptisms
		WHERE baptism_date < $1 AND archived = FALSE
		ORDER BY baptism_date, created_at
		FOR UPDATE
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select due baptisms: %w", err)
	}
	defer rows.Close()
	return collectBaptisms(rows)
}

func (t *pgTx) MarkBaptismArchived(ctx context.Context, id string) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE baptisms SET archived = TRUE WHERE id = $1 AND archived = FALSE`, id)
	if err != nil {
		return fmt.Errorf("mark baptism archived: %w", err)
	}
	return requireAffected(result)
}

func (t *pgTx) InsertWedding(ctx context.Context, w Wedding) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO weddings (
			id, groom_first_name, groom_middle_name, groom_surname, groom_id_number,
			bride_first_name, bride_middle_name, bride_surname, bride_id_number,
			wedding_date, pastor, location, archived
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		w.ID, w.GroomFirstName, nullString(w.GroomMiddleName), w.GroomSurname, nullString(w.GroomIDNumber),
		w.BrideFirstName, nullString(w.BrideMiddleName), w.BrideSurname, nullString(w.BrideIDNumber),
		w.WeddingDate, w.Pastor, w.Location, w.Archived,
	)
	if err != nil {
		return fmt.Errorf("insert wedding: %w", translateError(err))
	}
	return nil
}

func (t *pgTx) DueWeddings(ctx context.Context, cutoff time.Time) ([]Wedding, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+weddingColumns+`
		FROM weddings
		WHERE wedding_date < $1 AND archived = FALSE
		ORDER BY wedding_date, created_at
		FOR UPDATE
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select due weddings: %w", err)
	}
	defer rows.Close()
	return collectWeddings(rows)
}

func (t *pgTx) MarkWeddingArchived(ctx context.Context, id string) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE weddings SET archived = TRUE WHERE id = $1 AND archived = FALSE`, id)
	if err != nil {
		return fmt.Errorf("mark wedding archived: %w", err)
	}
	return requireAffected(result)
}
