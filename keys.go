package sealfs

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// KeyHierarchy manages the process-lifetime master key and the keys derived
// from it. File keys are deterministic per canonical path so a file
// re-opened later decrypts with the same key; throwaway keys are random,
// used once and immediately erased.
//
// Master-key access is serialized during activation and deactivation;
// derivations take read-only access and may run concurrently.
type KeyHierarchy struct {
	mu       sync.RWMutex
	provider CipherProvider
	master   []byte
	epoch    uint64
	logger   *zap.Logger
}

// NewKeyHierarchy creates an inactive hierarchy over the provider.
func NewKeyHierarchy(provider CipherProvider, logger *zap.Logger) *KeyHierarchy {
	return &KeyHierarchy{provider: provider, logger: logger}
}

// Activate generates a fresh master key. Each activation starts a new
// epoch unrelated to any previous one. If generation fails, no master key
// is held and every derivation keeps returning ErrKeyUnavailable rather
// than degrading to plaintext.
func (k *KeyHierarchy) Activate() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.master != nil {
		return nil
	}

	master, err := k.provider.RandomBytes(KeySize)
	if err != nil {
		return fmt.Errorf("master key generation failed: %w", err)
	}
	k.master = master
	k.epoch++
	k.logger.Info("key hierarchy activated", zap.Uint64("epoch", k.epoch))
	return nil
}

// Deactivate erases the master key and invalidates all derived state.
func (k *KeyHierarchy) Deactivate() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.master != nil {
		k.provider.Erase(k.master)
		k.master = nil
	}
	k.logger.Info("key hierarchy deactivated", zap.Uint64("epoch", k.epoch))
}

// Active reports whether a master key is held.
func (k *KeyHierarchy) Active() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.master != nil
}

// Epoch returns the current activation epoch.
func (k *KeyHierarchy) Epoch() uint64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.epoch
}

// DeriveFileKey deterministically derives the per-path file key. The caller
// owns the returned buffer and must erase it via the provider when done.
func (k *KeyHierarchy) DeriveFileKey(canonicalPath string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.master == nil {
		return nil, ErrKeyUnavailable
	}
	key, err := k.provider.DeriveKey(k.master, "sealfs/file:"+canonicalPath)
	if err != nil {
		return nil, fmt.Errorf("file key derivation failed: %w", err)
	}
	return key, nil
}

// ThrowawayKey returns a fresh random key intended for a single
// unrecoverable encryption. It is never derivable again; the caller erases
// it immediately after use.
func (k *KeyHierarchy) ThrowawayKey() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.master == nil {
		return nil, ErrKeyUnavailable
	}
	key, err := k.provider.RandomBytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("throwaway key generation failed: %w", err)
	}
	return key, nil
}
