package sealfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"go.uber.org/zap"
)

// Interceptor is the process-scoped interception state with an explicit
// activate/deactivate lifecycle. It owns the policy engine, key hierarchy,
// descriptor registry and crash guard, and exposes the hooked entry points
// (Open, OpenFile, Create, Remove, CheckMmap) with POSIX-shaped semantics
// so unmodified callers keep working.
//
// The base filesystem passed to New is the "original I/O" capability: the
// un-hooked primitives. Every internal component holds it directly, so
// bookkeeping I/O can never recurse back through the hooked surface.
type Interceptor struct {
	base     absfs.FileSystem
	cfg      *Config
	policy   *PolicyEngine
	keys     *KeyHierarchy
	codec    *Codec
	registry *DescriptorRegistry
	guard    *CrashGuard
	logger   *zap.Logger

	stateMu sync.Mutex
	active  bool
	failed  bool

	modeMu sync.Mutex
	mode   ProtectionMode

	obfuscate func()
}

// New builds an inactive interceptor over the original filesystem.
func New(base absfs.FileSystem, cfg *Config) (*Interceptor, error) {
	if base == nil {
		return nil, ErrNilFilesystem
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy, err := NewPolicyEngine(cfg)
	if err != nil {
		return nil, err
	}

	codec := NewCodec(cfg.Provider, cfg.Padding, cfg.Logger)
	i := &Interceptor{
		base:     base,
		cfg:      cfg,
		policy:   policy,
		keys:     NewKeyHierarchy(cfg.Provider, cfg.Logger),
		codec:    codec,
		registry: NewDescriptorRegistry(base, codec, cfg),
		guard:    NewCrashGuard(base, codec, cfg),
		logger:   cfg.Logger,
		mode:     cfg.Mode,
	}
	if cfg.ObfuscateTiming {
		i.obfuscate = i.randomDelay
	}
	return i, nil
}

// randomDelay sleeps up to one millisecond to blur I/O timing patterns.
func (i *Interceptor) randomDelay() {
	raw, err := i.cfg.Provider.RandomBytes(2)
	if err != nil {
		return
	}
	us := binary.LittleEndian.Uint16(raw) % 1000
	time.Sleep(time.Duration(us) * time.Microsecond)
}

// Activate generates the master key and arms the hooked entry points. If
// key generation fails, the interceptor is marked failed and every
// protected operation errors instead of degrading to plaintext.
func (i *Interceptor) Activate() error {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()

	if i.active {
		return nil
	}
	if err := i.keys.Activate(); err != nil {
		i.failed = true
		return err
	}
	i.failed = false
	i.active = true
	i.logger.Info("interceptor activated",
		zap.Stringer("mode", i.cfg.Mode),
		zap.Stringer("unmatched", i.cfg.Unmatched))
	return nil
}

// Deactivate finalizes every live descriptor and erases the key hierarchy.
func (i *Interceptor) Deactivate() {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()

	if !i.active {
		return
	}
	i.registry.Teardown()
	i.keys.Deactivate()
	i.active = false
	i.logger.Info("interceptor deactivated")
}

// Active reports whether the interceptor is armed.
func (i *Interceptor) Active() bool {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	return i.active
}

// Policy returns the policy engine for runtime rule mutation.
func (i *Interceptor) Policy() *PolicyEngine {
	return i.policy
}

// Guard returns the crash-safety wrapper.
func (i *Interceptor) Guard() *CrashGuard {
	return i.guard
}

// gate reports passthrough/fail-closed status: an interceptor whose
// activation failed denies every operation; one that was never activated
// passes everything through untouched.
func (i *Interceptor) gate() (passthrough bool, err error) {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	if i.failed {
		return false, ErrKeyUnavailable
	}
	return !i.active, nil
}

// currentMode returns the protection mode, honoring scoped overrides.
func (i *Interceptor) currentMode() ProtectionMode {
	i.modeMu.Lock()
	defer i.modeMu.Unlock()
	return i.mode
}

// writeIntent reports whether the open flags imply any mutation of the
// target.
func writeIntent(flag int) bool {
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return true
	}
	return flag&(os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0
}

// Open opens a file for reading with transparent decryption where policy
// requires it.
func (i *Interceptor) Open(name string) (absfs.File, error) {
	return i.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates a file, routed through the protection
// pipeline when policy requires it.
func (i *Interceptor) Create(name string) (absfs.File, error) {
	return i.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenFile is the hooked open/fopen entry point. Denied paths fail with a
// permission error and consume no resources; allowed-and-plain paths pass
// through to the original call; allowed-and-protected paths return a
// handle backed by a ProtectedDescriptor.
func (i *Interceptor) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	passthrough, err := i.gate()
	if err != nil {
		return nil, err
	}
	if passthrough {
		return i.base.OpenFile(name, flag, perm)
	}

	d := i.policy.Evaluate(name)
	wr := writeIntent(flag)

	switch d.Class {
	case ClassTmpfs:
		return i.base.OpenFile(name, flag, perm)

	case ClassSystem:
		if wr {
			i.logger.Warn("write to system path denied", zap.String("path", name))
			return nil, newPolicyError("open", name, ClassSystem)
		}
		return i.base.OpenFile(name, flag, perm)

	case ClassWhitelisted:
		req := d.Encryption
		if req == RequireWriteOnly && !wr {
			// Reads of a write-only path go to the underlying store
			// untouched.
			return i.base.OpenFile(name, flag, perm)
		}
		if req == RequireNone {
			return i.base.OpenFile(name, flag, perm)
		}
		return i.openProtected(name, d.Canonical, flag, perm)

	default: // ClassBlocked
		if d.Canonical == "" || i.cfg.Unmatched == UnmatchedBlock {
			i.logger.Warn("blocked path denied", zap.String("path", name))
			return nil, newPolicyError("open", name, ClassBlocked)
		}
		if !wr {
			return i.base.OpenFile(name, flag, perm)
		}
		return i.openShredded(name, d.Canonical, perm)
	}
}

// openProtected opens a whitelisted path through the encrypting pipeline
// with the deterministic per-path file key. The write pipeline rewrites
// the whole file as one sealed stream, so opens that would update sealed
// records in place are rejected.
func (i *Interceptor) openProtected(name, canonical string, flag int, perm os.FileMode) (absfs.File, error) {
	wr := writeIntent(flag)
	if wr {
		if flag&(os.O_APPEND|os.O_RDWR) != 0 {
			return nil, fmt.Errorf("open %s: %w", name, errNotSupported)
		}
		if flag&os.O_TRUNC == 0 {
			if _, err := i.base.Stat(canonical); err == nil {
				return nil, fmt.Errorf("open %s: rewriting a sealed file requires O_TRUNC: %w", name, errNotSupported)
			} else if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	key, err := i.keys.DeriveFileKey(canonical)
	if err != nil {
		return nil, err
	}

	if !wr {
		f, err := i.base.OpenFile(canonical, os.O_RDONLY, 0)
		if err != nil {
			i.cfg.Provider.Erase(key)
			return nil, err
		}
		desc, err := i.registry.OpenReader(canonical, f, key)
		if err != nil {
			return nil, err
		}
		return &protectedFile{name: name, reg: i.registry, d: desc, obfuscate: i.obfuscate}, nil
	}

	f, err := i.base.OpenFile(canonical, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		i.cfg.Provider.Erase(key)
		return nil, err
	}
	desc, err := i.registry.OpenWriter(canonical, f, key, 1, false, true)
	if err != nil {
		i.cfg.Provider.Erase(key)
		f.Close()
		return nil, err
	}
	return &protectedFile{name: name, reg: i.registry, d: desc, obfuscate: i.obfuscate}, nil
}

// openShredded opens a non-whitelisted path under protect-by-default.
// ModeEncrypt seals writes with a throwaway key so the content is
// unrecoverable; ModeIgnore discards the data while the call appears to
// succeed.
func (i *Interceptor) openShredded(name, canonical string, perm os.FileMode) (absfs.File, error) {
	mode := i.currentMode()

	f, err := i.base.OpenFile(canonical, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return nil, err
	}

	var key []byte
	discard := mode == ModeIgnore
	layers := 1
	if !discard {
		key, err = i.keys.ThrowawayKey()
		if err != nil {
			f.Close()
			return nil, err
		}
		layers = i.cfg.Layers
	}

	desc, err := i.registry.OpenWriter(canonical, f, key, layers, discard, false)
	if err != nil {
		i.cfg.Provider.Erase(key)
		f.Close()
		return nil, err
	}
	i.logger.Debug("non-whitelisted write routed",
		zap.String("path", name), zap.Stringer("mode", mode))
	return &protectedFile{name: name, reg: i.registry, d: desc, obfuscate: i.obfuscate}, nil
}

// Remove is the hooked unlink entry point. Protected paths are securely
// erased; system paths reject the unlink as a write-class operation.
func (i *Interceptor) Remove(name string) error {
	passthrough, err := i.gate()
	if err != nil {
		return err
	}
	if passthrough {
		return i.base.Remove(name)
	}

	d := i.policy.Evaluate(name)
	switch d.Class {
	case ClassSystem:
		return newPolicyError("unlink", name, ClassSystem)
	case ClassTmpfs:
		return i.base.Remove(name)
	case ClassWhitelisted:
		if d.Encryption == RequireNone {
			return i.base.Remove(name)
		}
		if err := i.guard.SecureDelete(d.Canonical); err != nil {
			return err
		}
		if err := i.base.Remove(d.Canonical + i.cfg.IntegritySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	default:
		if d.Canonical == "" || i.cfg.Unmatched == UnmatchedBlock {
			return newPolicyError("unlink", name, ClassBlocked)
		}
		return i.base.Remove(name)
	}
}

// CheckMmap is the hooked mmap policy check. A writable mapping over a
// protected handle would bypass the interception pipeline entirely and is
// rejected.
func (i *Interceptor) CheckMmap(f absfs.File, writable bool) error {
	if !writable {
		return nil
	}
	if _, ok := f.(*protectedFile); ok {
		return ErrMmapDenied
	}
	return nil
}

// ProtectedWrite seals data with the path's file key and writes it under
// full crash-safety (backup, cooperative cancellation, rollback). The path
// must be whitelisted with an encryption requirement.
func (i *Interceptor) ProtectedWrite(name string, data []byte) error {
	passthrough, err := i.gate()
	if err != nil {
		return err
	}
	if passthrough {
		return ErrNotActive
	}

	d := i.policy.Evaluate(name)
	if d.Class != ClassWhitelisted || d.Encryption == RequireNone {
		return newPolicyError("write", name, d.Class)
	}

	key, err := i.keys.DeriveFileKey(d.Canonical)
	if err != nil {
		return err
	}
	defer i.cfg.Provider.Erase(key)
	return i.guard.ProtectedWrite(d.Canonical, data, key, 1)
}

// ModeGuard is a scoped protection-mode override. End restores the prior
// mode exactly once, on any exit path.
type ModeGuard struct {
	i    *Interceptor
	prev ProtectionMode
	once sync.Once
}

// BeginProtection overrides the protection mode until the returned guard
// ends. Guards nest; each restores the mode it displaced.
func (i *Interceptor) BeginProtection(mode ProtectionMode) *ModeGuard {
	i.modeMu.Lock()
	prev := i.mode
	i.mode = mode
	i.modeMu.Unlock()
	return &ModeGuard{i: i, prev: prev}
}

// End restores the protection mode the guard displaced.
func (g *ModeGuard) End() {
	g.once.Do(func() {
		g.i.modeMu.Lock()
		g.i.mode = g.prev
		g.i.modeMu.Unlock()
	})
}
