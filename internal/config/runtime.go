package config

import "sync/atomic"

// Parse methods for the watermark-free publish flow.
const (
	ParseMethodThirdParty = "third_party"
	ParseMethodCustom     = "custom"
)

// Settings are the operator-tunable runtime settings. They are persisted in the
// database and loaded into an immutable snapshot; admin updates write the
// database first and then swap the snapshot, so in-flight requests keep a
// consistent view.
type Settings struct {
	// Gateway auth and pool policy.
	APIKey            string
	AdminUsername     string
	AdminPassword     string
	ErrorBanThreshold int

	// Global egress proxy for creation endpoints.
	ProxyEnabled bool
	ProxyURL     string

	// Watermark-free publish flow.
	WatermarkFreeEnabled bool
	ParseMethod          string
	CustomParseURL       string
	CustomParseToken     string

	// File cache. CacheTimeout of -1 disables eviction.
	CacheEnabled bool
	CacheTimeout int
	CacheBaseURL string

	// Generation budgets in seconds.
	ImageTimeout int
	VideoTimeout int

	// Background refresh of soon-to-expire access tokens.
	AutoRefreshEnabled bool
}

// DefaultSettings returns the settings applied on first start, before any
// admin changes have been persisted.
func DefaultSettings() *Settings {
	return &Settings{
		APIKey:               "han1234",
		AdminUsername:        "admin",
		AdminPassword:        "admin",
		ErrorBanThreshold:    3,
		ProxyEnabled:         false,
		ProxyURL:             "",
		WatermarkFreeEnabled: false,
		ParseMethod:          ParseMethodThirdParty,
		CustomParseURL:       "",
		CustomParseToken:     "",
		CacheEnabled:         false,
		CacheTimeout:         600,
		CacheBaseURL:         "",
		ImageTimeout:         300,
		VideoTimeout:         3000,
		AutoRefreshEnabled:   false,
	}
}

// Runtime is a handle on the current settings snapshot. Components hold the
// handle and call Snapshot per operation; they never cache the result across
// operations.
type Runtime struct {
	current atomic.Pointer[Settings]
}

// NewRuntime creates a runtime handle seeded with the given settings.
func NewRuntime(s *Settings) *Runtime {
	r := &Runtime{}
	if s == nil {
		s = DefaultSettings()
	}
	r.current.Store(s)
	return r
}

// Snapshot returns the current settings. The returned value must be treated
// as read-only.
func (r *Runtime) Snapshot() *Settings {
	return r.current.Load()
}

// Replace swaps in a new settings snapshot.
func (r *Runtime) Replace(s *Settings) {
	if s == nil {
		return
	}
	r.current.Store(s)
}

// Update applies fn to a copy of the current snapshot and swaps the copy in.
func (r *Runtime) Update(fn func(*Settings)) *Settings {
	next := *r.current.Load()
	fn(&next)
	r.current.Store(&next)
	return &next
}
