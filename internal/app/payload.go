package app

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"lecsa/api/internal/archive"
	"lecsa/api/internal/store"
)

// Response rows use the column names of the records tables.

func memberPayload(m store.Member) map[string]any {
	payload := map[string]any{
		"id":         m.ID,
		"palo":       m.Palo,
		"lebitso":    m.Lebitso,
		"fane":       m.Fane,
		"created_at": m.CreatedAt,
	}
	for year, receipt := range m.Receipts.JSON() {
		payload["receipt_"+year] = receipt
	}
	return payload
}

func archivePayload(e store.ArchiveEntry) map[string]any {
	return map[string]any{
		"id":          e.ID,
		"palo":        e.Palo,
		"record_type": e.RecordType,
		"details":     e.Details,
		"archived_at": e.ArchivedAt,
	}
}

func baptismPayload(b store.Baptism) map[string]any {
	return map[string]any{
		"id":                 b.ID,
		"first_name":         b.FirstName,
		"middle_name":        nullable(b.MiddleName),
		"surname":            b.Surname,
		"date_of_birth":      formatDate(b.DateOfBirth),
		"father_first_name":  b.FatherFirstName,
		"father_middle_name": nullable(b.FatherMiddleName),
		"father_surname":     b.FatherSurname,
		"mother_first_name":  b.MotherFirstName,
		"mother_middle_name": nullable(b.MotherMiddleName),
		"mother_surname":     b.MotherSurname,
		"baptism_date":       formatDate(b.BaptismDate),
		"pastor":             b.Pastor,
		"archived":           b.Archived,
		"created_at":         b.CreatedAt,
	}
}

func weddingPayload(w store.Wedding) map[string]any {
	return map[string]any{
		"id":                w.ID,
		"groom_first_name":  w.GroomFirstName,
		"groom_middle_name": nullable(w.GroomMiddleName),
		"groom_surname":     w.GroomSurname,
		"groom_id_number":   nullable(w.GroomIDNumber),
		"bride_first_name":  w.BrideFirstName,
		"bride_middle_name": nullable(w.BrideMiddleName),
		"bride_surname":     w.BrideSurname,
		"bride_id_number":   nullable(w.BrideIDNumber),
		"wedding_date":      formatDate(w.WeddingDate),
		"pastor":            w.Pastor,
		"location":          w.Location,
		"archived":          w.Archived,
		"created_at":        w.CreatedAt,
	}
}

func rolePayload(r store.Role) map[string]any {
	return map[string]any{
		"role_name":   r.Name,
		"can_view":    r.CanView,
		"can_add":     r.CanAdd,
		"can_update":  r.CanUpdate,
		"can_archive": r.CanArchive,
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

type baptismInput struct {
	FirstName        string `json:"first_name"`
	MiddleName       string `json:"middle_name"`
	Surname          string `json:"surname"`
	DateOfBirth      string `json:"date_of_birth"`
	FatherFirstName  string `json:"father_first_name"`
	FatherMiddleName string `json:"father_middle_name"`
	FatherSurname    string `json:"father_surname"`
	MotherFirstName  string `json:"mother_first_name"`
	MotherMiddleName string `json:"mother_middle_name"`
	MotherSurname    string `json:"mother_surname"`
	BaptismDate      string `json:"baptism_date"`
	Pastor           string `json:"pastor"`
}

// toBaptism parses the dates. Empty dates are left zero for the engine to
// report together with the other missing fields.
func (in baptismInput) toBaptism() (store.Baptism, error) {
	dates, err := parseDates(map[string]string{
		"date_of_birth": in.DateOfBirth,
		"baptism_date":  in.BaptismDate,
	})
	if err != nil {
		return store.Baptism{}, err
	}
	return store.Baptism{
		FirstName:        in.FirstName,
		MiddleName:       in.MiddleName,
		Surname:          in.Surname,
		DateOfBirth:      dates["date_of_birth"],
		FatherFirstName:  in.FatherFirstName,
		FatherMiddleName: in.FatherMiddleName,
		FatherSurname:    in.FatherSurname,
		MotherFirstName:  in.MotherFirstName,
		MotherMiddleName: in.MotherMiddleName,
		MotherSurname:    in.MotherSurname,
		BaptismDate:      dates["baptism_date"],
		Pastor:           in.Pastor,
	}, nil
}

type weddingInput struct {
	GroomFirstName  string `json:"groom_first_name"`
	GroomMiddleName string `json:"groom_middle_name"`
	GroomSurname    string `json:"groom_surname"`
	GroomIDNumber   string `json:"groom_id_number"`
	BrideFirstName  string `json:"bride_first_name"`
	BrideMiddleName string `json:"bride_middle_name"`
	BrideSurname    string `json:"bride_surname"`
	BrideIDNumber   string `json:"bride_id_number"`
	WeddingDate     string `json:"wedding_date"`
	Pastor          string `json:"pastor"`
	Location        string `json:"location"`
}

func (in weddingInput) toWedding() (store.Wedding, error) {
	dates, err := parseDates(map[string]string{"wedding_date": in.WeddingDate})
	if err != nil {
		return store.Wedding{}, err
	}
	return store.Wedding{
		GroomFirstName:  in.GroomFirstName,
		GroomMiddleName: in.GroomMiddleName,
		GroomSurname:    in.GroomSurname,
		GroomIDNumber:   in.GroomIDNumber,
		BrideFirstName:  in.BrideFirstName,
		BrideMiddleName: in.BrideMiddleName,
		BrideSurname:    in.BrideSurname,
		BrideIDNumber:   in.BrideIDNumber,
		WeddingDate:     dates["wedding_date"],
		Pastor:          in.Pastor,
		Location:        in.Location,
	}, nil
}

func parseDates(raw map[string]string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(raw))
	var bad []string
	for field, value := range raw {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		t, err := archive.ParseDate(value)
		if err != nil {
			bad = append(bad, field)
			continue
		}
		out[field] = t
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, &archive.ValidationError{Message: "dates must be YYYY-MM-DD", Fields: bad}
	}
	return out, nil
}

// parseYear accepts the year as a JSON number or string. Anything else
// yields 0, which no receipt column matches.
func parseYear(raw json.RawMessage) int {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n
		}
	}
	return 0
}

// parseFlag accepts true, false or an absent value (false).
func parseFlag(raw json.RawMessage) (bool, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return false, true
	}
	var value bool
	if err := json.Unmarshal(raw, &value); err != nil {
		return false, false
	}
	return value, true
}
