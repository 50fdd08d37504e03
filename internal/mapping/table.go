package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// DefaultCooldown applies when the mapping file is missing or malformed.
	DefaultCooldown = time.Second
	// DefaultLang applies when the mapping file does not set a language tag.
	DefaultLang = "en-US"
)

// SoundMapping binds a set of keywords to one playable sound and a linear
// gain factor in [0, 2].
type SoundMapping struct {
	Keywords []string
	File     string
	Gain     float64
}

// Table is one immutable snapshot of the keyword→sound configuration.
// Tables are replaced wholesale via Store.Replace; a Table is never mutated
// after construction.
type Table struct {
	Mappings []SoundMapping
	Cooldown time.Duration
	Lang     string
}

// Empty returns a table with no mappings and default cooldown and language.
func Empty() *Table {
	return &Table{Cooldown: DefaultCooldown, Lang: DefaultLang}
}

// Match scans the table in order and returns the first mapping having any
// keyword that is a substring of the case-folded fragment. Matching is
// case-insensitive substring containment; table order breaks ties.
func (t *Table) Match(fragment string) (SoundMapping, bool) {
	folded := strings.ToLower(fragment)
	for _, m := range t.Mappings {
		for _, kw := range m.Keywords {
			if kw != "" && strings.Contains(folded, kw) {
				return m, true
			}
		}
	}
	return SoundMapping{}, false
}

// Persisted JSON shape of the mapping file.
type fileMapping struct {
	Keywords []string `json:"keywords"`
	File     string   `json:"file"`
	Volume   *float64 `json:"volume,omitempty"`
}

type fileTable struct {
	Mappings   []fileMapping `json:"mappings"`
	CooldownMs int           `json:"cooldownMs"`
	Lang       string        `json:"lang,omitempty"`
}

// Parse decodes the persisted mapping table. Keywords are case-folded at
// parse time so every match observes lower-cased keywords. Volume is a
// percentage in [0, 200], clamped, and stored as a linear gain in [0, 2];
// a missing volume means 100%.
func Parse(data []byte) (*Table, error) {
	var ft fileTable
	if err := json.Unmarshal(data, &ft); err != nil {
		return nil, fmt.Errorf("parse mapping table: %w", err)
	}
	t := &Table{
		Mappings: make([]SoundMapping, 0, len(ft.Mappings)),
		Cooldown: DefaultCooldown,
		Lang:     DefaultLang,
	}
	if ft.CooldownMs > 0 {
		t.Cooldown = time.Duration(ft.CooldownMs) * time.Millisecond
	}
	if ft.Lang != "" {
		t.Lang = ft.Lang
	}
	for _, fm := range ft.Mappings {
		sm := SoundMapping{File: fm.File, Gain: 1.0}
		if fm.Volume != nil {
			sm.Gain = clampPercent(*fm.Volume) / 100
		}
		for _, kw := range fm.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				sm.Keywords = append(sm.Keywords, kw)
			}
		}
		if len(sm.Keywords) > 0 {
			t.Mappings = append(t.Mappings, sm)
		}
	}
	return t, nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 200 {
		return 200
	}
	return v
}

// Store holds the authoritative table and swaps it atomically on reload.
// Every reader observes a single consistent snapshot.
type Store struct {
	cur atomic.Pointer[Table]
}

// NewStore returns a store seeded with an empty table.
func NewStore() *Store {
	s := &Store{}
	s.cur.Store(Empty())
	return s
}

// Snapshot returns the current table. The returned table must not be mutated.
func (s *Store) Snapshot() *Table {
	return s.cur.Load()
}

// Replace installs a new table wholesale.
func (s *Store) Replace(t *Table) {
	if t == nil {
		t = Empty()
	}
	s.cur.Store(t)
}

// LoadFile reads and parses the mapping file at path and installs the result.
// On any failure the store falls back to an empty table with defaults so all
// matching is disabled until the next successful load, and the error is
// returned for the caller to log.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		s.Replace(Empty())
		return fmt.Errorf("read mapping file: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		s.Replace(Empty())
		return err
	}
	s.Replace(t)
	return nil
}
