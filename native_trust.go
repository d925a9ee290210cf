// native_trust.go: trust policy for native dynamic libraries
//
// Native libraries run unsandboxed in the host process. They are loaded only
// from trusted discovery directories (or explicitly trusted paths), and may
// be pinned to a SHA-256 digest. Each decision is written to the audit log.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agilira/argus"
)

// NativePin fixes the digest of one plugin's library.
type NativePin struct {
	PluginID string `json:"plugin_id" yaml:"plugin_id"`
	SHA256   string `json:"sha256" yaml:"sha256"`
	Note     string `json:"note,omitempty" yaml:"note,omitempty"`
}

// NativeTrustConfig configures native loading.
type NativeTrustConfig struct {
	// Enabled false refuses every native plugin.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// TrustedPaths are trusted in addition to trusted discovery directories.
	TrustedPaths []string `json:"trusted_paths,omitempty" yaml:"trusted_paths,omitempty"`

	Pins []NativePin `json:"pins,omitempty" yaml:"pins,omitempty"`
	// PinsFile is a JSON array of NativePin merged over Pins.
	PinsFile string `json:"pins_file,omitempty" yaml:"pins_file,omitempty"`
	// RequirePins refuses native plugins without a pin.
	RequirePins bool `json:"require_pins" yaml:"require_pins"`

	Audit NativeAuditConfig `json:"audit" yaml:"audit"`
}

type NativeAuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	OutputFile string `json:"output_file,omitempty" yaml:"output_file,omitempty"`
}

func DefaultNativeTrustConfig() NativeTrustConfig {
	return NativeTrustConfig{Enabled: true}
}

// NativeTrustStats counts policy decisions.
type NativeTrustStats struct {
	Allowed          int64     `json:"allowed"`
	Refused          int64     `json:"refused"`
	IntegrityFailure int64     `json:"integrity_failures"`
	LastDecision     time.Time `json:"last_decision"`
}

// NativeTrustPolicy decides whether a native library may be loaded.
type NativeTrustPolicy struct {
	mu     sync.RWMutex
	config NativeTrustConfig
	pins   map[string]string
	logger Logger
	audit  *argus.AuditLogger
	stats  NativeTrustStats
}

func NewNativeTrustPolicy(config NativeTrustConfig, logger Logger) (*NativeTrustPolicy, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	p := &NativeTrustPolicy{
		config: config,
		logger: logger.With("component", "native_trust"),
	}
	if err := p.loadPins(); err != nil {
		return nil, err
	}
	if config.Audit.Enabled {
		auditor, err := argus.NewAuditLogger(argus.AuditConfig{
			Enabled:       true,
			OutputFile:    config.Audit.OutputFile,
			MinLevel:      argus.AuditInfo,
			BufferSize:    256,
			FlushInterval: 5 * time.Second,
		})
		if err != nil {
			return nil, NewConfigValidationError("failed to create native audit logger", err)
		}
		p.audit = auditor
		p.logger.Info("Native load audit enabled", "file", config.Audit.OutputFile)
	}
	return p, nil
}

func (p *NativeTrustPolicy) loadPins() error {
	pins := make(map[string]string, len(p.config.Pins))
	for _, pin := range p.config.Pins {
		pins[pin.PluginID] = strings.ToLower(pin.SHA256)
	}
	if p.config.PinsFile != "" {
		path, err := expandPath(p.config.PinsFile)
		if err != nil {
			return NewConfigReadError(p.config.PinsFile, err)
		}
		data, err := os.ReadFile(path) // #nosec G304 -- operator supplied configuration path
		if err != nil {
			return NewConfigReadError(path, err)
		}
		var filePins []NativePin
		if err := json.Unmarshal(data, &filePins); err != nil {
			return NewConfigParseError(path, err)
		}
		for _, pin := range filePins {
			pins[pin.PluginID] = strings.ToLower(pin.SHA256)
		}
	}
	for id, digest := range pins {
		if len(digest) != sha256.Size*2 {
			return NewConfigValidationError("pin for "+id+" is not a hex SHA-256 digest", nil)
		}
	}
	p.pins = pins
	return nil
}

// Admit decides whether candidate may run native code at all. It needs no
// artifact and must pass before any build command runs. Only refusals are
// recorded; an admitted candidate is decided again by Verify.
func (p *NativeTrustPolicy) Admit(candidate DiscoveryCandidate) error {
	p.mu.RLock()
	enabled := p.config.Enabled
	p.mu.RUnlock()

	id := candidate.Manifest.ID
	if !enabled {
		err := NewUnsupportedKindError("native (disabled by configuration)").WithContext("plugin_id", id)
		p.decide("native_refused", id, candidate.Root, false, err)
		return err
	}
	if !candidate.Trusted && !p.underTrustedPath(candidate.Root) {
		err := NewUntrustedLocationError(id, candidate.Root)
		p.decide("native_refused", id, candidate.Root, false, err)
		return err
	}
	return nil
}

// Verify checks location, then integrity, for the library at libraryPath.
func (p *NativeTrustPolicy) Verify(candidate DiscoveryCandidate, libraryPath string) error {
	p.mu.RLock()
	config := p.config
	pin, pinned := p.pins[candidate.Manifest.ID]
	p.mu.RUnlock()

	id := candidate.Manifest.ID
	if !config.Enabled {
		err := NewUnsupportedKindError("native (disabled by configuration)").WithContext("plugin_id", id)
		p.decide("native_refused", id, libraryPath, false, err)
		return err
	}
	if !candidate.Trusted && !p.underTrustedPath(libraryPath) {
		err := NewUntrustedLocationError(id, libraryPath)
		p.decide("native_refused", id, libraryPath, false, err)
		return err
	}
	if !pinned {
		if config.RequirePins {
			err := NewIntegrityMismatchError(id, "<pin required>", "<none>")
			p.decide("native_refused", id, libraryPath, false, err)
			return err
		}
		p.decide("native_allowed", id, libraryPath, true, nil)
		return nil
	}
	actual, err := fileSHA256(libraryPath)
	if err != nil {
		lerr := NewLoadFailedError(id, err)
		p.decide("native_refused", id, libraryPath, false, lerr)
		return lerr
	}
	if actual != pin {
		ierr := NewIntegrityMismatchError(id, pin, actual)
		p.mu.Lock()
		p.stats.IntegrityFailure++
		p.mu.Unlock()
		p.decide("native_integrity_failure", id, libraryPath, false, ierr)
		return ierr
	}
	p.decide("native_allowed", id, libraryPath, true, nil)
	return nil
}

func (p *NativeTrustPolicy) underTrustedPath(libraryPath string) bool {
	canonical, err := filepath.EvalSymlinks(libraryPath)
	if err != nil {
		return false
	}
	for _, trusted := range p.config.TrustedPaths {
		dir, err := expandPath(trusted)
		if err != nil {
			continue
		}
		if dirCanonical, err := filepath.EvalSymlinks(dir); err == nil {
			dir = dirCanonical
		}
		rel, err := filepath.Rel(dir, canonical)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (p *NativeTrustPolicy) decide(event, pluginID, path string, allowed bool, err error) {
	p.mu.Lock()
	if allowed {
		p.stats.Allowed++
	} else {
		p.stats.Refused++
	}
	p.stats.LastDecision = time.Now()
	p.mu.Unlock()

	if allowed {
		p.logger.Info("Native plugin allowed", "plugin_id", pluginID, "path", path)
	} else {
		p.logger.Warn("Native plugin refused", "plugin_id", pluginID, "path", path, "error", err.Error())
	}
	if p.audit == nil {
		return
	}
	ctx := map[string]interface{}{
		"plugin_id": pluginID,
		"path":      path,
		"allowed":   allowed,
	}
	if err != nil {
		ctx["error"] = err.Error()
		ctx["code"] = ErrorCodeOf(err)
	}
	p.audit.LogSecurityEvent(event, "Native plugin load decision", ctx)
}

// Stats returns a snapshot of decision counters.
func (p *NativeTrustPolicy) Stats() NativeTrustStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Close flushes the audit log.
func (p *NativeTrustPolicy) Close() error {
	if p.audit != nil {
		return p.audit.Close()
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- library path comes from a validated manifest
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
