package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Store persists positions as a single JSON document.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

type document struct {
	Positions []*Position `json:"positions"`
}

// Load reads all positions. A missing file yields none.
func (s *Store) Load() ([]*Position, error) {
	if s.path == "" {
		return nil, nil
	}

	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse positions %s: %w", s.path, err)
	}
	return doc.Positions, nil
}

// Save replaces the file atomically: the document goes to path.tmp first and
// is renamed over the old file, so readers never see a partial write.
func (s *Store) Save(positions []*Position) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	sorted := append([]*Position{}, positions...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].OpenedAt.Equal(sorted[j].OpenedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].OpenedAt.Before(sorted[j].OpenedAt)
	})

	b, err := json.MarshalIndent(document{Positions: sorted}, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
