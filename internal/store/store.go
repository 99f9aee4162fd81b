// Package store persists the license key document: one JSON file
// holding every key, user profile and policy setting. All reads are
// served from an in-memory copy; every mutation runs under a single
// writer lock and atomically replaces the file on disk.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"keyforge/internal/infrastructure"
)

// Key status values. Expiry is always computed on read and never
// written into Status.
const (
	StatusDeactivated = "deactivated"
	StatusActivated   = "activated"
)

// SentinelExpiry is the "never expires" date. Any expiry in year 9999
// or later means the key is permanent.
var SentinelExpiry = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// ErrStoreIO wraps disk failures during load or persist. Callers log
// and continue; the in-memory document stays authoritative.
var ErrStoreIO = errors.New("store i/o failure")

// LicenseKey is the authoritative record for one issued key
type LicenseKey struct {
	KeyID     string    `json:"key_id"`
	KeyType   string    `json:"key_type"`
	UserID    int64     `json:"user_id"`
	HWID      string    `json:"hwid"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Name      string    `json:"name"`
}

// NeverExpires reports whether the key carries the sentinel expiry
func (k *LicenseKey) NeverExpires() bool {
	return k.ExpiresAt.Year() >= 9999
}

// Summary returns the denormalized view cached on the owning user
func (k *LicenseKey) Summary() KeySummary {
	return KeySummary{
		KeyType:   k.KeyType,
		ExpiresAt: k.ExpiresAt,
		HWID:      k.HWID,
		Status:    k.Status,
	}
}

// KeySummary is the per-user cache of a key's hot fields. It is kept
// in sync with the LicenseKey on every mutation.
type KeySummary struct {
	KeyType   string    `json:"key_type"`
	ExpiresAt time.Time `json:"expires_at"`
	HWID      string    `json:"hwid"`
	Status    string    `json:"status"`
}

// UserProfile tracks everything owned by one user
type UserProfile struct {
	Keys         map[string]KeySummary `json:"keys"`
	HWIDs        []string              `json:"hwids"`
	ResetsLeft   map[string]int        `json:"resets_left"`
	Order        string                `json:"order,omitempty"`
	RegisteredAt *time.Time            `json:"registered_at,omitempty"`
}

// NewUserProfile returns an empty profile with initialized maps
func NewUserProfile() *UserProfile {
	return &UserProfile{
		Keys:       make(map[string]KeySummary),
		HWIDs:      []string{},
		ResetsLeft: make(map[string]int),
	}
}

// AddHWID appends a hardware id to the profile if not already present
func (u *UserProfile) AddHWID(hwid string) {
	if hwid == "" {
		return
	}
	for _, h := range u.HWIDs {
		if h == hwid {
			return
		}
	}
	u.HWIDs = append(u.HWIDs, hwid)
}

// HasHWID reports whether the hardware id was ever associated with the
// user
func (u *UserProfile) HasHWID(hwid string) bool {
	for _, h := range u.HWIDs {
		if h == hwid {
			return true
		}
	}
	return false
}

// Settings holds free-form policy values persisted alongside the data
type Settings struct {
	KeyRole       string `json:"key_role"`
	DefaultResets int    `json:"default_resets"`
}

// Document is the full persisted state
type Document struct {
	Keys     map[string]*LicenseKey  `json:"keys"`
	Users    map[string]*UserProfile `json:"users"`
	Settings Settings                `json:"settings"`
}

// User returns the profile for a user id, or nil
func (d *Document) User(userID int64) *UserProfile {
	return d.Users[UserKey(userID)]
}

// EnsureUser returns the profile for a user id, creating it with
// initialized maps when absent
func (d *Document) EnsureUser(userID int64) *UserProfile {
	key := UserKey(userID)
	if u, ok := d.Users[key]; ok {
		if u.Keys == nil {
			u.Keys = make(map[string]KeySummary)
		}
		if u.ResetsLeft == nil {
			u.ResetsLeft = make(map[string]int)
		}
		return u
	}
	u := NewUserProfile()
	d.Users[key] = u
	return u
}

// UserKey converts a numeric user id to its JSON map key form
func UserKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func newDocument(defaults Settings) *Document {
	return &Document{
		Keys:     make(map[string]*LicenseKey),
		Users:    make(map[string]*UserProfile),
		Settings: defaults,
	}
}

// Store owns the document and its backing file
type Store struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	doc *Document
}

// Open loads the document from path, falling back to an empty default
// document when the file is missing or unreadable. Load failures are
// logged, never fatal; the data-loss risk is accepted.
func Open(path string, defaults Settings, logger *slog.Logger) *Store {
	s := &Store{
		path:   path,
		logger: infrastructure.WithComponent(logger, "store"),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		doc := newDocument(defaults)
		if jsonErr := json.Unmarshal(data, doc); jsonErr != nil {
			s.logger.Error("key store file is corrupt, starting from empty document",
				slog.String("path", path),
				slog.String("error", jsonErr.Error()))
			doc = newDocument(defaults)
		}
		normalize(doc, defaults)
		s.doc = doc
	case os.IsNotExist(err):
		s.logger.Info("key store file not found, starting from empty document",
			slog.String("path", path))
		s.doc = newDocument(defaults)
	default:
		s.logger.Error("failed to read key store file, starting from empty document",
			slog.String("path", path),
			slog.String("error", err.Error()))
		s.doc = newDocument(defaults)
	}

	return s
}

// normalize fills nil maps and zero settings left behind by older or
// hand-edited store files
func normalize(doc *Document, defaults Settings) {
	if doc.Keys == nil {
		doc.Keys = make(map[string]*LicenseKey)
	}
	if doc.Users == nil {
		doc.Users = make(map[string]*UserProfile)
	}
	for _, u := range doc.Users {
		if u.Keys == nil {
			u.Keys = make(map[string]KeySummary)
		}
		if u.ResetsLeft == nil {
			u.ResetsLeft = make(map[string]int)
		}
	}
	if doc.Settings.KeyRole == "" {
		doc.Settings.KeyRole = defaults.KeyRole
	}
	if doc.Settings.DefaultResets == 0 {
		doc.Settings.DefaultResets = defaults.DefaultResets
	}
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.path
}

// Update runs fn against the document under the writer lock and
// persists the full document afterwards. When fn returns an error the
// mutation is considered aborted and nothing is persisted; fn must not
// leave partial changes behind in that case. Holding the lock across
// the caller's check and mutation is what makes read-check-write
// sequences (duplicate key check, reset counter check) atomic.
func (s *Store) Update(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(s.doc); err != nil {
		return err
	}
	if err := s.persistLocked(); err != nil {
		// In-memory state is already updated; durability is lost until
		// the next successful save.
		s.logger.Error("failed to persist key store",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

// View runs fn with read access to the document. Readers do not block
// writers for long; fn must not retain references to document
// internals after returning.
func (s *Store) View(fn func(doc *Document)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.doc)
}

// Counts returns the number of keys and users, for health reporting
func (s *Store) Counts() (keys, users int) {
	s.View(func(doc *Document) {
		keys = len(doc.Keys)
		users = len(doc.Users)
	})
	return keys, users
}

// persistLocked writes the full document to a temporary file and
// renames it over the real path so a crash never leaves a partial
// document behind. Caller holds the writer lock.
func (s *Store) persistLocked() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
