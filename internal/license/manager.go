// Package license implements the key lifecycle: generation, per-type
// reset quota enforcement, hardware-id activation and expiry
// computation, on top of the persisted key store.
package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"keyforge/internal/infrastructure"
	"keyforge/internal/store"
)

// Sentinel errors for expected conditions. Operations return these
// rather than panicking; the transport layer maps them to API errors.
var (
	ErrKeyNotFound        = errors.New("license key not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrDuplicateActiveKey = errors.New("user already holds an unexpired key of this type")
	ErrNoResetsRemaining  = errors.New("no resets remaining for this key type")
	ErrHwidMismatch       = errors.New("key is registered to another machine")
	ErrAlreadyExpired     = errors.New("license key has expired")
	ErrMissingHWID        = errors.New("a hardware id is required")
	ErrMissingKeyType     = errors.New("a key type is required")
	ErrInvalidResetQuota  = errors.New("default resets must be positive")
)

// Manager owns all key lifecycle operations over the store
type Manager struct {
	store   *store.Store
	mirror  *Mirror
	metrics *infrastructure.Metrics
	logger  *slog.Logger

	// nowFn is swapped in tests to pin the clock
	nowFn func() time.Time
}

// NewManager creates a key manager. mirror may be nil when no external
// replica is configured.
func NewManager(st *store.Store, mirror *Mirror, metrics *infrastructure.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		store:   st,
		mirror:  mirror,
		metrics: metrics,
		logger:  infrastructure.WithComponent(logger, "license"),
		nowFn:   time.Now,
	}
}

func (m *Manager) now() time.Time {
	return m.nowFn().UTC()
}

// GenerateKeyID derives a key identifier from the key type, owner,
// hardware id and current Unix timestamp: SHA-256, first 16 hex chars
// uppercased, prefixed with the type. Timestamp entropy makes
// collisions negligible; no uniqueness check is performed.
func (m *Manager) GenerateKeyID(keyType string, userID int64, hwid string) string {
	seed := fmt.Sprintf("%s|%d|%s|%d", keyType, userID, hwid, m.now().Unix())
	sum := sha256.Sum256([]byte(seed))
	return fmt.Sprintf("%s-%s", keyType, strings.ToUpper(hex.EncodeToString(sum[:])[:16]))
}

// CreateParams are the inputs for CreateKey
type CreateParams struct {
	KeyType      string
	UserID       int64
	HWID         string
	DurationDays int
	Name         string
}

// CreateKey creates a new deactivated key for a user. The duplicate
// check, the reset quota check and the mutation all run under the
// store's writer lock, so two concurrent creations cannot both pass
// the check. DurationDays 0 maps to the never-expires sentinel.
func (m *Manager) CreateKey(ctx context.Context, p CreateParams) (*store.LicenseKey, error) {
	if p.KeyType == "" {
		return nil, ErrMissingKeyType
	}

	now := m.now()
	var created store.LicenseKey

	err := m.store.Update(func(doc *store.Document) error {
		for _, k := range doc.Keys {
			if k.UserID == p.UserID && k.KeyType == p.KeyType && !m.expiredAt(k, now) {
				return ErrDuplicateActiveKey
			}
		}

		u := doc.EnsureUser(p.UserID)
		resets, ok := u.ResetsLeft[p.KeyType]
		if !ok {
			resets = doc.Settings.DefaultResets
			u.ResetsLeft[p.KeyType] = resets
		}
		if resets == 0 {
			return ErrNoResetsRemaining
		}

		expiry := store.SentinelExpiry
		if p.DurationDays > 0 {
			expiry = now.AddDate(0, 0, p.DurationDays)
		}

		created = store.LicenseKey{
			KeyID:     m.GenerateKeyID(p.KeyType, p.UserID, p.HWID),
			KeyType:   p.KeyType,
			UserID:    p.UserID,
			HWID:      p.HWID,
			Status:    store.StatusDeactivated,
			CreatedAt: now,
			ExpiresAt: expiry,
			Name:      p.Name,
		}

		doc.Keys[created.KeyID] = &created
		u.Keys[created.KeyID] = created.Summary()
		u.AddHWID(p.HWID)
		return nil
	})
	if err := m.absorbStoreIO(ctx, err); err != nil {
		return nil, err
	}

	m.metrics.KeysCreated.Inc()
	m.logger.InfoContext(ctx, "key created",
		slog.String("key_id", created.KeyID),
		slog.String("key_type", created.KeyType),
		slog.Int64("user_id", created.UserID),
		slog.Int("duration_days", p.DurationDays))

	if m.mirror != nil {
		// Best effort, off the critical path. Failure or latency never
		// affects the local result.
		go m.mirror.Add(&created)
	}

	result := created
	return &result, nil
}

// GetKey returns a copy of the key record, or ErrKeyNotFound
func (m *Manager) GetKey(keyID string) (*store.LicenseKey, error) {
	var found *store.LicenseKey
	m.store.View(func(doc *store.Document) {
		if k, ok := doc.Keys[keyID]; ok {
			c := *k
			found = &c
		}
	})
	if found == nil {
		return nil, ErrKeyNotFound
	}
	return found, nil
}

// DeleteKey removes a key from both the key map and the owning user's
// summary. Administrative path: the owner's reset counter is not
// touched. Reports whether anything was deleted.
func (m *Manager) DeleteKey(ctx context.Context, keyID string) (bool, error) {
	err := m.store.Update(func(doc *store.Document) error {
		k, ok := doc.Keys[keyID]
		if !ok {
			return ErrKeyNotFound
		}
		delete(doc.Keys, keyID)
		if u := doc.User(k.UserID); u != nil {
			delete(u.Keys, keyID)
		}
		return nil
	})
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err := m.absorbStoreIO(ctx, err); err != nil {
		return false, err
	}

	m.metrics.KeysDeleted.Inc()
	m.logger.InfoContext(ctx, "key deleted", slog.String("key_id", keyID))

	if m.mirror != nil {
		go m.mirror.Delete(keyID)
	}
	return true, nil
}

// ResetKey is the self-service path: the key is deleted outright and
// the owner's reset counter for that type goes down by one, floored at
// zero. This is the only operation that consumes a reset credit.
func (m *Manager) ResetKey(ctx context.Context, keyID string) error {
	var keyType string
	err := m.store.Update(func(doc *store.Document) error {
		k, ok := doc.Keys[keyID]
		if !ok {
			return ErrKeyNotFound
		}
		keyType = k.KeyType
		delete(doc.Keys, keyID)
		if u := doc.User(k.UserID); u != nil {
			delete(u.Keys, keyID)
			if u.ResetsLeft[k.KeyType] > 0 {
				u.ResetsLeft[k.KeyType]--
			}
		}
		return nil
	})
	if err := m.absorbStoreIO(ctx, err); err != nil {
		return err
	}

	m.metrics.KeysReset.Inc()
	m.logger.InfoContext(ctx, "key reset",
		slog.String("key_id", keyID),
		slog.String("key_type", keyType))

	if m.mirror != nil {
		go m.mirror.Delete(keyID)
	}
	return nil
}

// ActivateKey binds a hardware id to a key and flips it to activated.
// Re-activation with the already bound hardware id is an idempotent
// success; any other hardware id on an activated key is a mismatch,
// distinct from not-found.
func (m *Manager) ActivateKey(ctx context.Context, keyID, hwid string) (*store.LicenseKey, error) {
	if hwid == "" {
		return nil, ErrMissingHWID
	}

	now := m.now()
	var activated store.LicenseKey
	alreadyBound := false

	err := m.store.Update(func(doc *store.Document) error {
		k, ok := doc.Keys[keyID]
		if !ok {
			return ErrKeyNotFound
		}
		if m.expiredAt(k, now) {
			return ErrAlreadyExpired
		}
		if k.Status == store.StatusActivated {
			if k.HWID != hwid {
				return ErrHwidMismatch
			}
			alreadyBound = true
			activated = *k
			return nil
		}

		k.HWID = hwid
		k.Status = store.StatusActivated
		if u := doc.User(k.UserID); u != nil {
			u.Keys[k.KeyID] = k.Summary()
			u.AddHWID(hwid)
		}
		activated = *k
		return nil
	})
	if err := m.absorbStoreIO(ctx, err); err != nil {
		return nil, err
	}

	if !alreadyBound {
		m.metrics.KeysActivated.Inc()
		m.logger.InfoContext(ctx, "key activated",
			slog.String("key_id", keyID),
			slog.String("hwid", hwid))
	}

	result := activated
	return &result, nil
}

// CheckKey reports whether a key is valid for the supplied hardware
// id. An empty hwid skips the binding comparison. Returns the key copy
// and its remaining days on success.
func (m *Manager) CheckKey(keyID, hwid string) (*store.LicenseKey, int, bool, error) {
	key, err := m.GetKey(keyID)
	if err != nil {
		return nil, 0, false, err
	}
	if m.IsExpired(key) {
		return nil, 0, false, ErrAlreadyExpired
	}
	if key.Status == store.StatusActivated && hwid != "" && key.HWID != hwid {
		return nil, 0, false, ErrHwidMismatch
	}
	days, permanent := m.DaysUntilExpiry(key)
	return key, days, permanent, nil
}

// UserKeys returns copies of all keys owned by a user, newest first
func (m *Manager) UserKeys(userID int64) []store.LicenseKey {
	var keys []store.LicenseKey
	m.store.View(func(doc *store.Document) {
		for _, k := range doc.Keys {
			if k.UserID == userID {
				keys = append(keys, *k)
			}
		}
	})
	sortKeys(keys)
	return keys
}

// KeysByType returns copies of all keys of one type, newest first
func (m *Manager) KeysByType(keyType string) []store.LicenseKey {
	var keys []store.LicenseKey
	m.store.View(func(doc *store.Document) {
		for _, k := range doc.Keys {
			if k.KeyType == keyType {
				keys = append(keys, *k)
			}
		}
	})
	sortKeys(keys)
	return keys
}

// AllKeys returns copies of every key, newest first
func (m *Manager) AllKeys() []store.LicenseKey {
	var keys []store.LicenseKey
	m.store.View(func(doc *store.Document) {
		for _, k := range doc.Keys {
			keys = append(keys, *k)
		}
	})
	sortKeys(keys)
	return keys
}

func sortKeys(keys []store.LicenseKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].KeyID < keys[j].KeyID
		}
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
}

// IsExpired reports whether a key's expiry has passed. Sentinel keys
// never expire. Expiry is computed, never written back into Status.
func (m *Manager) IsExpired(k *store.LicenseKey) bool {
	return m.expiredAt(k, m.now())
}

func (m *Manager) expiredAt(k *store.LicenseKey, now time.Time) bool {
	if k.NeverExpires() {
		return false
	}
	return now.After(k.ExpiresAt)
}

// DaysUntilExpiry returns the whole days until expiry and whether the
// key is permanent. The day count may be negative once a key has
// expired; callers combine it with IsExpired before display.
func (m *Manager) DaysUntilExpiry(k *store.LicenseKey) (int, bool) {
	if k.NeverExpires() {
		return 0, true
	}
	return int(k.ExpiresAt.Sub(m.now()).Hours() / 24), false
}

// absorbStoreIO swallows persistence failures: the in-memory mutation
// already happened and the store logged the error, so the operation
// reports success with durability deferred to the next save. Every
// other error passes through.
func (m *Manager) absorbStoreIO(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrStoreIO) {
		m.logger.WarnContext(ctx, "operation applied in memory but not persisted",
			slog.String("error", err.Error()))
		return nil
	}
	return err
}
