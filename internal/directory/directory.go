// Package directory keeps user profiles: timezone, language and the active flag.
//
// Profiles are held in memory and persisted as a JSON snapshot written atomically after every
// change. Timezone changes and account deletion are forwarded to Hooks.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"remindbot/internal/localtime"
	logx "remindbot/pkg/logx"
)

var ErrUnknownUser = errors.New("directory: unknown user")

// Hooks receives lifecycle callbacks. Calls happen after the profile change is saved.
type Hooks interface {
	OnTimezoneChanged(ctx context.Context, userID int64, zone string) error
	OnAccountDeleted(ctx context.Context, userID int64) error
}

type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name,omitempty"`
	Language  string    `json:"language"`
	Timezone  string    `json:"timezone"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var languageZones = map[string]string{
	"uz": "Asia/Tashkent",
	"ru": "Europe/Moscow",
	"en": "UTC",
}

// DefaultZone is the timezone a new user gets for a language.
func DefaultZone(lang string) string {
	if z, ok := languageZones[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return z
	}
	return "UTC"
}

type Directory struct {
	mu    sync.RWMutex
	users map[int64]User
	path  string

	defaultLang string
	hooks       Hooks
	log         logx.Logger
	now         func() time.Time
}

type Option func(*Directory)

func WithDefaultLanguage(lang string) Option {
	return func(d *Directory) {
		if lang = strings.TrimSpace(lang); lang != "" {
			d.defaultLang = lang
		}
	}
}

func WithClock(now func() time.Time) Option { return func(d *Directory) { d.now = now } }

// Open loads the snapshot at path. An empty path keeps profiles in memory only.
func Open(path string, log logx.Logger, opts ...Option) (*Directory, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Directory{
		users:       map[int64]User{},
		path:        strings.TrimSpace(path),
		defaultLang: "en",
		log:         log.With(logx.String("comp", "directory")),
		now:         time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	if d.path == "" {
		return d, nil
	}
	b, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return nil, err
	}
	var users []User
	if err := json.Unmarshal(b, &users); err != nil {
		return nil, fmt.Errorf("directory: decode %s: %w", d.path, err)
	}
	for _, u := range users {
		if _, err := localtime.LoadZone(u.Timezone); err != nil {
			d.log.Warn("stored timezone unusable, using UTC", logx.Int64("user", u.ID), logx.String("zone", u.Timezone))
			u.Timezone = "UTC"
		}
		d.users[u.ID] = u
	}
	d.log.Info("directory loaded", logx.Int("users", len(d.users)), logx.String("path", d.path))
	return d, nil
}

func (d *Directory) SetHooks(h Hooks) {
	d.mu.Lock()
	d.hooks = h
	d.mu.Unlock()
}

// Register creates the user or reactivates a deleted one. A new user's timezone follows the
// language. It reports whether the profile was created or reactivated.
func (d *Directory) Register(ctx context.Context, id int64, name, lang string) (User, bool, error) {
	if id == 0 {
		return User{}, false, errors.New("directory: user id is required")
	}
	lang = strings.ToLower(strings.TrimSpace(lang))

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now().UTC()
	u, ok := d.users[id]
	if ok && u.Active {
		return u, false, nil
	}
	if lang == "" {
		lang = d.defaultLang
	}
	if !ok {
		u = User{ID: id, CreatedAt: now, Timezone: DefaultZone(lang)}
	}
	u.Name, u.Language, u.Active, u.UpdatedAt = name, lang, true, now
	d.users[id] = u
	if err := d.saveLocked(); err != nil {
		return User{}, false, err
	}
	d.log.Info("user registered", logx.Int64("user", id), logx.String("lang", lang), logx.String("zone", u.Timezone))
	return u, true, nil
}

func (d *Directory) Get(id int64) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	return u, ok
}

// Timezone returns the user's zone, UTC for unknown users.
func (d *Directory) Timezone(id int64) string {
	if u, ok := d.Get(id); ok && u.Timezone != "" {
		return u.Timezone
	}
	return "UTC"
}

func (d *Directory) IsActive(id int64) bool {
	u, ok := d.Get(id)
	return ok && u.Active
}

// Active lists active users ordered by id.
func (d *Directory) Active() []User {
	d.mu.RLock()
	out := make([]User, 0, len(d.users))
	for _, u := range d.users {
		if u.Active {
			out = append(out, u)
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetTimezone validates and stores zone, then notifies the hooks. Unknown zones are rejected
// with localtime.ErrUnknownTimezone so the profile always holds a resolvable zone.
func (d *Directory) SetTimezone(ctx context.Context, id int64, zone string) error {
	loc, err := localtime.LoadZone(zone)
	if err != nil {
		return err
	}
	zone = loc.String()

	d.mu.Lock()
	u, ok := d.users[id]
	if !ok || !u.Active {
		d.mu.Unlock()
		return ErrUnknownUser
	}
	if u.Timezone == zone {
		d.mu.Unlock()
		return nil
	}
	prev := u.Timezone
	u.Timezone, u.UpdatedAt = zone, d.now().UTC()
	d.users[id] = u
	err = d.saveLocked()
	hooks := d.hooks
	d.mu.Unlock()
	if err != nil {
		return err
	}

	d.log.Info("timezone changed", logx.Int64("user", id), logx.String("from", prev), logx.String("to", zone))
	if hooks != nil {
		return hooks.OnTimezoneChanged(ctx, id, zone)
	}
	return nil
}

func (d *Directory) SetLanguage(id int64, lang string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok || !u.Active {
		return ErrUnknownUser
	}
	u.Language, u.UpdatedAt = strings.ToLower(strings.TrimSpace(lang)), d.now().UTC()
	d.users[id] = u
	return d.saveLocked()
}

// Delete marks the account inactive first, so any fire racing the purge sees an inactive
// user, then lets the hooks cancel jobs and delete rows.
func (d *Directory) Delete(ctx context.Context, id int64) error {
	d.mu.Lock()
	u, ok := d.users[id]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownUser
	}
	u.Active, u.UpdatedAt = false, d.now().UTC()
	d.users[id] = u
	err := d.saveLocked()
	hooks := d.hooks
	d.mu.Unlock()
	if err != nil {
		return err
	}

	d.log.Info("account deleted", logx.Int64("user", id))
	if hooks != nil {
		return hooks.OnAccountDeleted(ctx, id)
	}
	return nil
}

// saveLocked writes the snapshot atomically (tmp + rename).
func (d *Directory) saveLocked() error {
	if d.path == "" {
		return nil
	}
	users := make([]User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	b, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, d.path)
}
