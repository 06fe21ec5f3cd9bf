package search

import (
	"strconv"

	"github.com/tidwall/gjson"

	"lecsa/api/internal/store"
)

// ArchiveRecord is the data we index for an archive entry.
type ArchiveRecord struct {
	ID         string `json:"id"`
	Palo       int    `json:"palo"`
	PaloText   string `json:"paloText"`
	RecordType string `json:"recordType"`
	Lebitso    string `json:"lebitso,omitempty"`
	Fane       string `json:"fane,omitempty"`
	Name       string `json:"name,omitempty"`
	GroomName  string `json:"groomName,omitempty"`
	BrideName  string `json:"brideName,omitempty"`
}

// RecordFromEntry flattens the searchable snapshot fields of an entry.
func RecordFromEntry(entry store.ArchiveEntry) ArchiveRecord {
	fields := gjson.GetManyBytes(entry.Details, "lebitso", "fane", "name", "groom_name", "bride_name")
	return ArchiveRecord{
		ID:         entry.ID,
		Palo:       entry.Palo,
		PaloText:   strconv.Itoa(entry.Palo),
		RecordType: string(entry.RecordType),
		Lebitso:    fields[0].String(),
		Fane:       fields[1].String(),
		Name:       fields[2].String(),
		GroomName:  fields[3].String(),
		BrideName:  fields[4].String(),
	}
}

// Index is a full-text archive index.
type Index interface {
	Healthy() bool
	SearchIDs(text string, limit int) ([]string, error)
	IndexArchives(records []ArchiveRecord) error
	DeleteArchive(id string) error
}
