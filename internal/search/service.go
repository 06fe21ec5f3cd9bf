package search

import (
	"context"
	"fmt"
	"log"
	"strings"

	"lecsa/api/internal/archive"
	"lecsa/api/internal/store"
)

type archiveReader interface {
	ListArchives(ctx context.Context, search string) ([]store.ArchiveEntry, error)
	GetArchivesByIDs(ctx context.Context, ids []string) ([]store.ArchiveEntry, error)
}

// Service is the facade that tries the full-text index first and falls back
// to the store's substring search.
type Service struct {
	index Index
	store archiveReader
	// async runs index writes; tests replace it to run inline.
	async func(func())
}

// NewService creates a search service. index may be nil if Meilisearch is
// not configured.
func NewService(index Index, st archiveReader) *Service {
	return &Service{index: index, store: st, async: func(fn func()) { go fn() }}
}

// IndexReady reports whether a search index is configured and healthy.
func (s *Service) IndexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Archives returns archive entries matching text ordered by palo. An empty
// text lists everything.
func (s *Service) Archives(ctx context.Context, text string) ([]store.ArchiveEntry, error) {
	text = strings.TrimSpace(text)
	if text != "" && s.IndexReady() {
		ids, err := s.index.SearchIDs(text, store.DefaultListLimit)
		if err == nil {
			entries, err := s.store.GetArchivesByIDs(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("load archive hits: %w", err)
			}
			return entries, nil
		}
		log.Printf("search: meilisearch error, falling back to store: %v", err)
	}

	entries, err := s.store.ListArchives(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	return entries, nil
}

// Hook keeps the index in step with committed archive transitions
// (fire-and-forget).
func (s *Service) Hook(_ context.Context, ev archive.Event) {
	if !s.IndexReady() || (len(ev.Archived) == 0 && len(ev.Removed) == 0) {
		return
	}
	records := make([]ArchiveRecord, 0, len(ev.Archived))
	for _, entry := range ev.Archived {
		records = append(records, RecordFromEntry(entry))
	}
	removed := append([]string(nil), ev.Removed...)
	s.async(func() {
		if err := s.index.IndexArchives(records); err != nil {
			log.Printf("search: index %d archive entries: %v", len(records), err)
		}
		for _, id := range removed {
			if err := s.index.DeleteArchive(id); err != nil {
				log.Printf("search: delete archive %s: %v", id, err)
			}
		}
	})
}

// Reindex pushes every archive entry to the index.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if !s.IndexReady() {
		return 0, nil
	}
	entries, err := s.store.ListArchives(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list archives: %w", err)
	}
	records := make([]ArchiveRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, RecordFromEntry(entry))
	}
	if err := s.index.IndexArchives(records); err != nil {
		return 0, fmt.Errorf("index archives: %w", err)
	}
	return len(records), nil
}
