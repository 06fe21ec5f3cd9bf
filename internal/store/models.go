package store

import (
	"encoding/json"
	"strconv"
	"time"
)

// ReceiptYears are the years a member can hold a receipt for, in column order.
var ReceiptYears = []int{2024, 2025, 2026, 2027, 2028, 2029, 2030}

// ValidReceiptYear reports whether year has a receipt column.
func ValidReceiptYear(year int) bool {
	for _, y := range ReceiptYears {
		if y == year {
			return true
		}
	}
	return false
}

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// Role is a row of the roles table.
type Role struct {
	Name       string
	CanView    bool
	CanAdd     bool
	CanUpdate  bool
	CanArchive bool
}

// Receipts maps a receipt year to its receipt number. Missing years are null.
type Receipts map[int]string

func (r Receipts) Clone() Receipts {
	out := make(Receipts, len(r))
	for year, value := range r {
		out[year] = value
	}
	return out
}

// JSON returns the archive snapshot form: every year present, null when unset.
func (r Receipts) JSON() map[string]*string {
	out := make(map[string]*string, len(ReceiptYears))
	for _, year := range ReceiptYears {
		key := strconv.Itoa(year)
		if value, ok := r[year]; ok {
			v := value
			out[key] = &v
			continue
		}
		out[key] = nil
	}
	return out
}

type Member struct {
	ID        string
	Palo      int
	Lebitso   string
	Fane      string
	Receipts  Receipts
	CreatedAt time.Time
}

type Baptism struct {
	ID               string
	FirstName        string
	MiddleName       string
	Surname          string
	DateOfBirth      time.Time
	FatherFirstName  string
	FatherMiddleName string
	FatherSurname    string
	MotherFirstName  string
	MotherMiddleName string
	MotherSurname    string
	BaptismDate      time.Time
	Pastor           string
	Archived         bool
	CreatedAt        time.Time
}

type Wedding struct {
	ID               string
	GroomFirstName   string
	GroomMiddleName  string
	GroomSurname     string
	GroomIDNumber    string
	BrideFirstName   string
	BrideMiddleName  string
	BrideSurname     string
	BrideIDNumber    string
	WeddingDate      time.Time
	Pastor           string
	Location         string
	Archived         bool
	CreatedAt        time.Time
}

// RecordType names the kind of record an archive entry was taken from.
type RecordType string

const (
	RecordMember  RecordType = "member"
	RecordBaptism RecordType = "baptism"
	RecordWedding RecordType = "wedding"
)

type ArchiveEntry struct {
	ID         string
	Palo       int
	RecordType RecordType
	Details    json.RawMessage
	ArchivedAt time.Time
}

type ActionLogEntry struct {
	ID        int64
	UserID    string
	Username  string
	Action    string
	Details   map[string]any
	Timestamp time.Time
}

// ListQuery narrows list reads. Empty Search matches everything.
type ListQuery struct {
	Search     string
	Limit      int
	Descending bool
}
