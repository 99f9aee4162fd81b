package license

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"

	"keyforge/internal/store"
)

// UserRecord is a read-only copy of a user profile together with its
// numeric id
type UserRecord struct {
	UserID  int64
	Profile store.UserProfile
}

// RegisterUser creates or refreshes a user profile with registration
// metadata: the hardware id from the order and the order reference.
func (m *Manager) RegisterUser(ctx context.Context, userID int64, hwid, order string) (*UserRecord, error) {
	now := m.now()
	var rec UserRecord

	err := m.store.Update(func(doc *store.Document) error {
		u := doc.EnsureUser(userID)
		u.AddHWID(hwid)
		if order != "" {
			u.Order = order
		}
		if u.RegisteredAt == nil {
			t := now
			u.RegisteredAt = &t
		}
		rec = UserRecord{UserID: userID, Profile: copyProfile(u)}
		return nil
	})
	if err := m.absorbStoreIO(ctx, err); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "user registered",
		slog.Int64("user_id", userID),
		slog.String("order", order))
	return &rec, nil
}

// GetUser returns a copy of a user profile, or ErrUserNotFound
func (m *Manager) GetUser(userID int64) (*UserRecord, error) {
	var rec *UserRecord
	m.store.View(func(doc *store.Document) {
		if u := doc.User(userID); u != nil {
			rec = &UserRecord{UserID: userID, Profile: copyProfile(u)}
		}
	})
	if rec == nil {
		return nil, ErrUserNotFound
	}
	return rec, nil
}

// ListUsers returns copies of all user profiles ordered by user id
func (m *Manager) ListUsers() []UserRecord {
	var users []UserRecord
	m.store.View(func(doc *store.Document) {
		for id, u := range doc.Users {
			userID, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				continue
			}
			users = append(users, UserRecord{UserID: userID, Profile: copyProfile(u)})
		}
	})
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// DeleteUser removes a user profile and every key it owns. Reports
// whether the user existed.
func (m *Manager) DeleteUser(ctx context.Context, userID int64) (bool, error) {
	var removed []string
	err := m.store.Update(func(doc *store.Document) error {
		if doc.User(userID) == nil {
			return ErrUserNotFound
		}
		for id, k := range doc.Keys {
			if k.UserID == userID {
				removed = append(removed, id)
				delete(doc.Keys, id)
			}
		}
		delete(doc.Users, store.UserKey(userID))
		return nil
	})
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err := m.absorbStoreIO(ctx, err); err != nil {
		return false, err
	}

	m.logger.InfoContext(ctx, "user deleted",
		slog.Int64("user_id", userID),
		slog.Int("keys_removed", len(removed)))

	if m.mirror != nil {
		for _, id := range removed {
			go m.mirror.Delete(id)
		}
	}
	return true, nil
}

// WipeKeys deletes every key and restores every user's reset counters
// to the default quota. Returns the number of keys removed.
func (m *Manager) WipeKeys(ctx context.Context) (int, error) {
	var wiped int
	err := m.store.Update(func(doc *store.Document) error {
		wiped = len(doc.Keys)
		doc.Keys = make(map[string]*store.LicenseKey)
		for _, u := range doc.Users {
			u.Keys = make(map[string]store.KeySummary)
			for kt := range u.ResetsLeft {
				u.ResetsLeft[kt] = doc.Settings.DefaultResets
			}
		}
		return nil
	})
	if err := m.absorbStoreIO(ctx, err); err != nil {
		return 0, err
	}

	m.logger.WarnContext(ctx, "all keys wiped", slog.Int("count", wiped))
	return wiped, nil
}

// HWIDInfo describes everything bound to one hardware id
type HWIDInfo struct {
	HWID  string
	Users []int64
	Keys  []store.LicenseKey
}

// LookupHWID returns the users and keys associated with a hardware id
func (m *Manager) LookupHWID(hwid string) HWIDInfo {
	info := HWIDInfo{HWID: hwid}
	m.store.View(func(doc *store.Document) {
		for id, u := range doc.Users {
			if u.HasHWID(hwid) {
				if userID, err := strconv.ParseInt(id, 10, 64); err == nil {
					info.Users = append(info.Users, userID)
				}
			}
		}
		for _, k := range doc.Keys {
			if k.HWID == hwid {
				info.Keys = append(info.Keys, *k)
			}
		}
	})
	sort.Slice(info.Users, func(i, j int) bool { return info.Users[i] < info.Users[j] })
	sortKeys(info.Keys)
	return info
}

// Settings returns a copy of the persisted policy settings
func (m *Manager) Settings() store.Settings {
	var s store.Settings
	m.store.View(func(doc *store.Document) {
		s = doc.Settings
	})
	return s
}

// UpdateSettings changes policy settings; nil fields are left as-is.
// The default quota must stay positive: a stored zero would be
// indistinguishable from an unset value on the next load.
func (m *Manager) UpdateSettings(ctx context.Context, keyRole *string, defaultResets *int) (store.Settings, error) {
	var s store.Settings
	if defaultResets != nil && *defaultResets < 1 {
		return s, ErrInvalidResetQuota
	}
	err := m.store.Update(func(doc *store.Document) error {
		if keyRole != nil {
			doc.Settings.KeyRole = *keyRole
		}
		if defaultResets != nil {
			doc.Settings.DefaultResets = *defaultResets
		}
		s = doc.Settings
		return nil
	})
	if err := m.absorbStoreIO(ctx, err); err != nil {
		return s, err
	}

	m.logger.InfoContext(ctx, "settings updated",
		slog.String("key_role", s.KeyRole),
		slog.Int("default_resets", s.DefaultResets))
	return s, nil
}

// copyProfile deep-copies a profile so callers never alias store state
func copyProfile(u *store.UserProfile) store.UserProfile {
	c := store.UserProfile{
		Keys:       make(map[string]store.KeySummary, len(u.Keys)),
		HWIDs:      append([]string{}, u.HWIDs...),
		ResetsLeft: make(map[string]int, len(u.ResetsLeft)),
		Order:      u.Order,
	}
	for id, s := range u.Keys {
		c.Keys[id] = s
	}
	for kt, n := range u.ResetsLeft {
		c.ResetsLeft[kt] = n
	}
	if u.RegisteredAt != nil {
		t := *u.RegisteredAt
		c.RegisteredAt = &t
	}
	return c
}
