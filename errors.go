package sealfs

import (
	"errors"
	"fmt"
	"io/fs"
)

// Error types represent different categories of errors

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// PolicyError reports a policy decision that denied an operation. It wraps
// fs.ErrPermission so callers that only check errors.Is(err, fs.ErrPermission)
// see the same shape the underlying primitive would produce for a
// permissions problem.
type PolicyError struct {
	Op    string         // "open", "write", "unlink", "mmap"
	Path  string         // Path as requested by the caller
	Class Classification // Classification that produced the denial
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy denied: %s %s (classified %s)", e.Op, e.Path, e.Class)
}

func (e *PolicyError) Unwrap() error {
	return fs.ErrPermission
}

// CryptoError represents a seal or open failure, including authentication
// tag mismatches on read.
type CryptoError struct {
	Op      string // "seal" or "open"
	Path    string // File path, if applicable
	Layer   int    // Layer index, if applicable
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *CryptoError) Error() string {
	if e.Path != "" && e.Layer > 0 {
		return fmt.Sprintf("%s error: %s (layer %d): %s", e.Op, e.Path, e.Layer, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("%s error: %s: %s", e.Op, e.Path, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Op, e.Message)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// BackupError reports a crash-safety wrapper failure to protect or recover
// the original file.
type BackupError struct {
	Op      string // "backup" or "restore"
	Path    string // Original file path
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("%s error: %s: %s", e.Op, e.Path, e.Message)
}

func (e *BackupError) Unwrap() error {
	return e.Err
}

// DescriptorError represents a protected-descriptor state machine failure.
type DescriptorError struct {
	Op     string          // "write", "read", "spill", "finalize"
	Path   string          // Canonical path of the descriptor
	State  DescriptorState // State at the time of failure
	Err    error           // Underlying error
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("descriptor error: %s %s (state %s): %v", e.Op, e.Path, e.State, e.Err)
}

func (e *DescriptorError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrAuthFailed        = errors.New("authentication failed - data may be corrupted or tampered")
	ErrInvalidRecord     = errors.New("invalid or truncated encryption record")
	ErrUnsupportedCipher = errors.New("unsupported cipher suite")
	ErrKeyUnavailable    = errors.New("key hierarchy not activated")
	ErrInterrupted       = errors.New("protected write interrupted")
	ErrResourceExhausted = errors.New("resource allocation failed")
	ErrBackupFailed      = errors.New("backup of original file failed")
	ErrRestoreFailed     = errors.New("restore of original file failed")
	ErrRuleLimit         = errors.New("rule list limit exceeded")
	ErrReadBack          = errors.New("multi-layer seal cannot be read back; exactly one retained-key layer is required")
	ErrMmapDenied        = errors.New("writable mapping would bypass interception")
	ErrClosed            = errors.New("descriptor already closed")
	ErrNotRegistered     = errors.New("handle not registered")
	ErrNilConfig         = errors.New("config cannot be nil")
	ErrNilFilesystem     = errors.New("base filesystem cannot be nil")
	ErrNotActive         = errors.New("interceptor not activated")
)

// Error checking helpers

// IsPolicyDenied checks if an error is a policy denial. Every policy denial
// also satisfies errors.Is(err, fs.ErrPermission).
func IsPolicyDenied(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}

// IsCryptoError checks if an error is a seal/open failure
func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}

// IsBackupError checks if an error is a crash-safety failure
func IsBackupError(err error) bool {
	var be *BackupError
	return errors.As(err, &be)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// newPolicyError builds a PolicyError for the given operation.
func newPolicyError(op, path string, class Classification) error {
	return &PolicyError{Op: op, Path: path, Class: class}
}
