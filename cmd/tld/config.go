package main

import "time"

// DaemonConfig carries every daemon-tunable knob. Per SPEC_FULL.md's
// AMBIENT STACK note, parsing config.toml into this struct is the
// external CLI collaborator's job (spec §1 Non-goals: "user-facing
// config file parsing"); this package only owns defaulting.
type DaemonConfig struct {
	RepoRoot string
	TlDir    string // defaults to RepoRoot + "/.tl"

	DebounceDelay     time.Duration
	MaxBatchAge       time.Duration
	MaxBatchSize      int
	ReconcileInterval time.Duration
	MaxHashRetries    int
	BlobCacheBytes    int64

	EnableTlIgnore  bool
	EnableGitIgnore bool
	IgnorePatterns  []string

	RetainCount int
	RetainHours float64

	MetricsAddr string // empty disables the /metrics HTTP endpoint
}

// WithDefaults fills zero-valued fields with the daemon's defaults,
// in the same style as a wal.DefaultOptions() constructor.
func (c DaemonConfig) WithDefaults() DaemonConfig {
	if c.TlDir == "" {
		c.TlDir = c.RepoRoot + "/.tl"
	}
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = 300 * time.Millisecond
	}
	if c.MaxBatchAge <= 0 {
		c.MaxBatchAge = 2 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 2000
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Minute
	}
	if c.MaxHashRetries <= 0 {
		c.MaxHashRetries = 5
	}
	if c.RetainCount <= 0 {
		c.RetainCount = 50
	}
	if c.RetainHours <= 0 {
		c.RetainHours = 24 * 7
	}
	return c
}

// NewDefaultConfig returns a DaemonConfig with every knob, including the
// ignore-layer toggles, set to its recommended default for repoRoot.
func NewDefaultConfig(repoRoot string) DaemonConfig {
	return DaemonConfig{
		RepoRoot:        repoRoot,
		EnableTlIgnore:  true,
		EnableGitIgnore: true,
	}.WithDefaults()
}
