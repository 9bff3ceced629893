// Package checkpoint implements the checkpoint store of spec.md §4.7/§3.3:
// a transient root (cleared on reboot) and a persistent root, each laid
// out as <root>/<component>/<id>/{engine images, metadata.json}.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultKeepCount and DefaultMaxAge implement spec.md §4.7's default
// cleanup policy: keep the 10 newest per component, prune anything older
// than 24h.
const (
	DefaultKeepCount = 10
	DefaultMaxAge    = 24 * time.Hour

	metadataFile = "metadata.json"
)

// EngineVersion is criu_version's {major, minor, patch} object, per
// spec.md §6.
type EngineVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// Metadata is the JSON sidecar written alongside every checkpoint's engine
// images. Field names and shapes follow spec.md §6's wire contract
// exactly: reading accepts extra fields, writing emits exactly these.
type Metadata struct {
	ComponentName string        `json:"component_name"`
	OriginalPID   int           `json:"original_pid"`
	Timestamp     int64         `json:"timestamp"` // seconds since epoch
	ImageSize     int64         `json:"image_size"`
	Capabilities  string        `json:"capabilities"` // comma-separated
	CRIUVersion   EngineVersion `json:"criu_version"`
	LeaveRunning  bool          `json:"leave_running"`
	PreserveFDs   []int         `json:"preserve_fds"`
}

// ParseEngineVersion extracts a {major, minor, patch} triple from an
// engine's free-form version string (e.g. "Version: 3.17.1" or
// "fake-criu-0.0"), taking the first run of dot-separated integers found.
// Components missing from the string default to zero.
func ParseEngineVersion(s string) EngineVersion {
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			start = i
			break
		}
	}
	if start < 0 {
		return EngineVersion{}
	}
	end := start
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == '.') {
		end++
	}
	parts := strings.Split(s[start:end], ".")
	var v EngineVersion
	nums := make([]int, 0, 3)
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			break
		}
		nums = append(nums, n)
	}
	if len(nums) > 0 {
		v.Major = nums[0]
	}
	if len(nums) > 1 {
		v.Minor = nums[1]
	}
	if len(nums) > 2 {
		v.Patch = nums[2]
	}
	return v
}

// Entry identifies one checkpoint directory and its parsed id.
type Entry struct {
	Component string
	ID        string // zero-padded unix-seconds string
	Dir       string
}

// Store manages one checkpoint root (transient or persistent).
type Store struct {
	Root string
}

// NewTransient and NewPersistent construct stores rooted at the
// conventional daemon paths; tests should construct Store{Root: dir}
// directly against a t.TempDir() instead.
func NewTransient() *Store   { return &Store{Root: "/run/opinit/checkpoints"} }
func NewPersistent() *Store  { return &Store{Root: "/var/lib/opinit/checkpoints"} }

// idFor zero-pads a creation time to seconds-since-epoch, giving
// chronological ordering by lexical comparison, per spec.md §4.7.
func idFor(t time.Time) string {
	return fmt.Sprintf("%020d", t.Unix())
}

// CreateDir creates and returns the directory for a new checkpoint of
// component, keyed by now.
func (s *Store) CreateDir(component string, now time.Time) (string, error) {
	id := idFor(now)
	dir := filepath.Join(s.Root, component, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return dir, nil
}

// SaveMeta writes the metadata sidecar into dir.
func (s *Store) SaveMeta(dir string, meta Metadata) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), b, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write metadata: %w", err)
	}
	return nil
}

// LoadMeta reads the metadata sidecar from dir.
func (s *Store) LoadMeta(dir string) (Metadata, error) {
	var meta Metadata
	b, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return meta, fmt.Errorf("checkpoint: read metadata: %w", err)
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, fmt.Errorf("checkpoint: unmarshal metadata: %w", err)
	}
	return meta, nil
}

// List returns every checkpoint entry for component, newest first.
func (s *Store) List(component string) ([]Entry, error) {
	dir := filepath.Join(s.Root, component)
	items, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: list %s: %w", component, err)
	}
	var entries []Entry
	for _, it := range items {
		if !it.IsDir() {
			continue
		}
		entries = append(entries, Entry{Component: component, ID: it.Name(), Dir: filepath.Join(dir, it.Name())})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID > entries[j].ID })
	return entries, nil
}

// FindLatest returns the newest checkpoint for component, if any.
func (s *Store) FindLatest(component string) (Entry, bool, error) {
	entries, err := s.List(component)
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}

// Remove deletes a checkpoint directory entirely.
func (s *Store) Remove(e Entry) error {
	if err := os.RemoveAll(e.Dir); err != nil {
		return fmt.Errorf("checkpoint: remove %s/%s: %w", e.Component, e.ID, err)
	}
	return nil
}

// StorageUsage sums the size, in bytes, of every file under a component's
// checkpoint directory, across all of its entries.
func (s *Store) StorageUsage(component string) (int64, error) {
	total, err := DirSize(filepath.Join(s.Root, component))
	if err != nil {
		return 0, fmt.Errorf("checkpoint: storage usage %s: %w", component, err)
	}
	return total, nil
}

// DirSize sums the size, in bytes, of every file under dir, for populating
// a single checkpoint's image_size metadata field.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	return total, nil
}

// Migrate moves a checkpoint directory from this store to dst,
// atomically per directory, per spec.md §4.7 (transient -> persistent).
func (s *Store) Migrate(e Entry, dst *Store) (Entry, error) {
	target := filepath.Join(dst.Root, e.Component, e.ID)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Entry{}, fmt.Errorf("checkpoint: migrate mkdir: %w", err)
	}
	if err := os.Rename(e.Dir, target); err != nil {
		return Entry{}, fmt.Errorf("checkpoint: migrate rename: %w", err)
	}
	return Entry{Component: e.Component, ID: e.ID, Dir: target}, nil
}

// Cleanup implements spec.md §4.7's cleanup(keep_count, max_age): entries
// older than maxAge are removed first, then the tail is trimmed until at
// most keepCount remain (newest kept).
func (s *Store) Cleanup(component string, keepCount int, maxAge time.Duration, now time.Time) ([]Entry, error) {
	entries, err := s.List(component)
	if err != nil {
		return nil, err
	}

	var removed []Entry
	var kept []Entry
	for _, e := range entries {
		if age, ok := ageOf(e, now); ok && age > maxAge {
			if err := s.Remove(e); err != nil {
				return removed, err
			}
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}

	if keepCount >= 0 && len(kept) > keepCount {
		for _, e := range kept[keepCount:] {
			if err := s.Remove(e); err != nil {
				return removed, err
			}
			removed = append(removed, e)
		}
		kept = kept[:keepCount]
	}

	return removed, nil
}

func ageOf(e Entry, now time.Time) (time.Duration, bool) {
	secs, err := strconv.ParseInt(strings.TrimLeft(e.ID, "0"), 10, 64)
	if err != nil {
		if e.ID == strings.Repeat("0", len(e.ID)) {
			secs = 0
		} else {
			return 0, false
		}
	}
	return now.Sub(time.Unix(secs, 0)), true
}
