// Package registry keeps the durable record of which directory the user
// granted, keyed by a logical name, together with the last permission level
// observed for it.
//
// The registry is the only owner of the canonical Handle. Everything else
// receives the Handle by value for the duration of a call and must not
// persist it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/localsave/internal/faults"
)

const (
	DefaultStoreName  = "handles"
	DefaultLogicalKey = "primary-data-directory"
)

type Permission string

const (
	PermissionGranted        Permission = "granted"
	PermissionPromptRequired Permission = "prompt-required"
	PermissionDenied         Permission = "denied"
	PermissionUnknown        Permission = "unknown"
)

func (p Permission) Valid() bool {
	switch p {
	case PermissionGranted, PermissionPromptRequired, PermissionDenied, PermissionUnknown:
		return true
	}
	return false
}

// Handle is an opaque reference to a granted directory.
type Handle struct {
	id   string
	path string
}

func NewHandle(path string) (Handle, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Handle{}, faults.New(faults.KindInvalidInput, "new handle", "", fmt.Errorf("path is required"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Handle{}, faults.New(faults.KindInvalidInput, "new handle", path, err)
	}
	return Handle{id: uuid.NewString(), path: filepath.Clean(abs)}, nil
}

func (h Handle) ID() string     { return h.id }
func (h Handle) Path() string   { return h.path }
func (h Handle) IsZero() bool   { return h.path == "" }
func (h Handle) String() string { return h.path }

type handleJSON struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

func (h Handle) MarshalJSON() ([]byte, error) {
	return json.Marshal(handleJSON{ID: h.id, Path: h.path})
}

func (h *Handle) UnmarshalJSON(data []byte) error {
	var raw handleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h.id = raw.ID
	h.path = raw.Path
	return nil
}

type Record struct {
	LogicalKey             string     `json:"logicalKey"`
	Handle                 Handle     `json:"handle"`
	LastVerifiedPermission Permission `json:"lastVerifiedPermission"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// Prober queries OS-level permission for a handle. Check must never prompt;
// Request may.
type Prober interface {
	Check(h Handle) (Permission, error)
	Request(ctx context.Context, h Handle) (Permission, error)
}

type Options struct {
	Backend   Backend
	StoreName string
	Prober    Prober
	Now       func() time.Time
}

type Registry struct {
	backend Backend
	store   string
	prober  Prober
	now     func() time.Time
}

func New(opts Options) (*Registry, error) {
	if opts.Backend == nil {
		return nil, faults.New(faults.KindInvalidInput, "new registry", "", fmt.Errorf("backend is required"))
	}
	store := strings.TrimSpace(opts.StoreName)
	if store == "" {
		store = DefaultStoreName
	}
	prober := opts.Prober
	if prober == nil {
		prober = NewOSProber(nil)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{backend: opts.Backend, store: store, prober: prober, now: now}, nil
}

func (r *Registry) StoreName() string {
	return r.store
}

// Put stores or overwrites the record for key. A previously recorded
// permission level for the same directory is carried over.
func (r *Registry) Put(ctx context.Context, key string, h Handle) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if h.IsZero() {
		return faults.New(faults.KindInvalidInput, "registry put", key, fmt.Errorf("handle is empty"))
	}
	permission := PermissionUnknown
	existing, err := r.backend.Load(ctx, r.store, key)
	if err != nil {
		return storeError("registry put", key, err)
	}
	if existing != nil && existing.Handle.Path() == h.Path() {
		permission = existing.LastVerifiedPermission
	}
	rec := Record{
		LogicalKey:             key,
		Handle:                 h,
		LastVerifiedPermission: permission,
		UpdatedAt:              r.now().UTC(),
	}
	if err := r.backend.Save(ctx, r.store, rec); err != nil {
		return storeError("registry put", key, err)
	}
	return nil
}

// Get returns the record for key, or nil when nothing was ever stored.
func (r *Registry) Get(ctx context.Context, key string) (*Record, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	rec, err := r.backend.Load(ctx, r.store, key)
	if err != nil {
		return nil, storeError("registry get", key, err)
	}
	return rec, nil
}

func (r *Registry) Clear(ctx context.Context, key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := r.backend.Delete(ctx, r.store, key); err != nil {
		return storeError("registry clear", key, err)
	}
	return nil
}

// RecordPermission updates the last verified permission of an existing
// record. It is a no-op when no record exists.
func (r *Registry) RecordPermission(ctx context.Context, key string, permission Permission) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if !permission.Valid() {
		return faults.New(faults.KindInvalidInput, "registry record permission", key, fmt.Errorf("unknown permission %q", permission))
	}
	rec, err := r.backend.Load(ctx, r.store, key)
	if err != nil {
		return storeError("registry record permission", key, err)
	}
	if rec == nil {
		return nil
	}
	rec.LastVerifiedPermission = permission
	rec.UpdatedAt = r.now().UTC()
	if err := r.backend.Save(ctx, r.store, *rec); err != nil {
		return storeError("registry record permission", key, err)
	}
	return nil
}

func (r *Registry) CheckPermission(h Handle) (Permission, error) {
	if h.IsZero() {
		return PermissionUnknown, faults.New(faults.KindInvalidInput, "check permission", "", fmt.Errorf("handle is empty"))
	}
	return r.prober.Check(h)
}

func (r *Registry) RequestPermission(ctx context.Context, h Handle) (Permission, error) {
	if h.IsZero() {
		return PermissionUnknown, faults.New(faults.KindInvalidInput, "request permission", "", fmt.Errorf("handle is empty"))
	}
	return r.prober.Request(ctx, h)
}

func (r *Registry) Close() error {
	return r.backend.Close()
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", faults.New(faults.KindInvalidInput, "registry", "", fmt.Errorf("logical key is required"))
	}
	return key, nil
}

func storeError(op, key string, err error) error {
	return faults.New(faults.KindStoreUnavailable, op, key, err)
}
