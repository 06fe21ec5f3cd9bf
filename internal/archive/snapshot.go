package archive

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/tidwall/gjson"

	"lecsa/api/internal/store"
)

const dateLayout = "2006-01-02"

type MemberDetails struct {
	Lebitso  string             `json:"lebitso"`
	Fane     string             `json:"fane"`
	Status   Reason             `json:"status"`
	Receipts map[string]*string `json:"receipts"`
}

type BaptismDetails struct {
	BaptismID   string `json:"baptism_id"`
	Name        string `json:"name"`
	BaptismDate string `json:"baptism_date"`
	DateOfBirth string `json:"date_of_birth"`
	FatherName  string `json:"father_name"`
	MotherName  string `json:"mother_name"`
	Pastor      string `json:"pastor"`
}

type WeddingDetails struct {
	WeddingID     string `json:"wedding_id"`
	GroomName     string `json:"groom_name"`
	BrideName     string `json:"bride_name"`
	WeddingDate   string `json:"wedding_date"`
	Pastor        string `json:"pastor"`
	Location      string `json:"location"`
	GroomIDNumber string `json:"groom_id_number,omitempty"`
	BrideIDNumber string `json:"bride_id_number,omitempty"`
}

func memberSnapshot(m store.Member, reason Reason) (json.RawMessage, error) {
	return json.Marshal(MemberDetails{
		Lebitso:  m.Lebitso,
		Fane:     m.Fane,
		Status:   reason,
		Receipts: m.Receipts.JSON(),
	})
}

func baptismSnapshot(b store.Baptism) (json.RawMessage, error) {
	return json.Marshal(BaptismDetails{
		BaptismID:   b.ID,
		Name:        fullName(b.FirstName, b.MiddleName, b.Surname),
		BaptismDate: b.BaptismDate.Format(dateLayout),
		DateOfBirth: b.DateOfBirth.Format(dateLayout),
		FatherName:  fullName(b.FatherFirstName, b.FatherMiddleName, b.FatherSurname),
		MotherName:  fullName(b.MotherFirstName, b.MotherMiddleName, b.MotherSurname),
		Pastor:      b.Pastor,
	})
}

func weddingSnapshot(w store.Wedding) (json.RawMessage, error) {
	return json.Marshal(WeddingDetails{
		WeddingID:     w.ID,
		GroomName:     fullName(w.GroomFirstName, w.GroomMiddleName, w.GroomSurname),
		BrideName:     fullName(w.BrideFirstName, w.BrideMiddleName, w.BrideSurname),
		WeddingDate:   w.WeddingDate.Format(dateLayout),
		Pastor:        w.Pastor,
		Location:      w.Location,
		GroomIDNumber: w.GroomIDNumber,
		BrideIDNumber: w.BrideIDNumber,
	})
}

func fullName(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// SnapshotError lists every field of a member snapshot that cannot be restored.
type SnapshotError struct {
	Fields []string
	errs   *multierror.Error
}

func (e *SnapshotError) Error() string {
	return "invalid archive snapshot: " + e.errs.Error()
}

func (e *SnapshotError) Unwrap() error {
	return e.errs.ErrorOrNil()
}

func (e *SnapshotError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, field)
	e.errs = multierror.Append(e.errs, fmt.Errorf("%s: "+format, append([]any{field}, args...)...))
}

func joinErrors(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// restorable is what a member snapshot yields once validated.
type restorable struct {
	Lebitso  string
	Fane     string
	Receipts store.Receipts
}

// parseMemberSnapshot checks a member snapshot field by field. Name fields
// must be non-empty strings. Receipts may be absent or null; otherwise it
// must be an object whose year entries are absent, null or strings.
func parseMemberSnapshot(details []byte) (restorable, error) {
	verr := &SnapshotError{errs: &multierror.Error{ErrorFormat: joinErrors}}
	if !gjson.ValidBytes(details) {
		verr.add("details", "not valid JSON")
		return restorable{}, verr
	}
	doc := gjson.ParseBytes(details)
	if !doc.IsObject() {
		verr.add("details", "must be an object")
		return restorable{}, verr
	}

	out := restorable{Receipts: store.Receipts{}}
	for _, field := range []string{"lebitso", "fane"} {
		v := doc.Get(field)
		switch {
		case !v.Exists() || v.Type == gjson.Null:
			verr.add(field, "missing")
		case v.Type != gjson.String:
			verr.add(field, "must be a string, got %s", v.Type)
		case strings.TrimSpace(v.Str) == "":
			verr.add(field, "must not be empty")
		case field == "lebitso":
			out.Lebitso = v.Str
		default:
			out.Fane = v.Str
		}
	}

	receipts := doc.Get("receipts")
	switch {
	case !receipts.Exists() || receipts.Type == gjson.Null:
	case !receipts.IsObject():
		verr.add("receipts", "must be an object or null")
	default:
		for _, year := range store.ReceiptYears {
			key := strconv.Itoa(year)
			v := receipts.Get(key)
			switch {
			case !v.Exists() || v.Type == gjson.Null:
			case v.Type == gjson.String:
				out.Receipts[year] = v.Str
			default:
				verr.add("receipts."+key, "must be a string or null, got %s", v.Type)
			}
		}
	}

	if len(verr.Fields) > 0 {
		return restorable{}, verr
	}
	return out, nil
}

// ParseDate accepts a calendar date or an RFC 3339 timestamp.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(dateLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}
