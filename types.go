package sealfs

import (
	"fmt"

	"go.uber.org/zap"
)

// Classification is the policy class assigned to a canonical path.
type Classification uint8

const (
	// ClassBlocked is the fail-closed default for paths matching no rule
	// (and for paths that cannot be canonicalized).
	ClassBlocked Classification = iota
	// ClassWhitelisted paths are permitted, optionally with encryption.
	ClassWhitelisted
	// ClassSystem paths permit read-only access.
	ClassSystem
	// ClassTmpfs paths permit unrestricted plaintext access (ephemeral
	// storage assumption).
	ClassTmpfs
)

// String returns the string representation of the classification
func (c Classification) String() string {
	switch c {
	case ClassBlocked:
		return "blocked"
	case ClassWhitelisted:
		return "whitelist"
	case ClassSystem:
		return "system"
	case ClassTmpfs:
		return "tmpfs"
	default:
		return "unknown"
	}
}

// Requirement describes whether and when a path's contents must be encrypted.
type Requirement uint8

const (
	// RequireNone applies no encryption.
	RequireNone Requirement = iota
	// RequireReadWrite encrypts on write and decrypts on read.
	RequireReadWrite
	// RequireWriteOnly encrypts only when the access mode includes write;
	// reads pass through to the underlying store. Asymmetric by design and
	// only safe when nothing relies on reading the data back.
	RequireWriteOnly
)

// String returns the string representation of the requirement
func (r Requirement) String() string {
	switch r {
	case RequireNone:
		return "none"
	case RequireReadWrite:
		return "readwrite"
	case RequireWriteOnly:
		return "writeonly"
	default:
		return "unknown"
	}
}

// ProtectionMode controls what happens to writes targeting non-whitelisted
// paths that were still allowed to open.
type ProtectionMode uint8

const (
	// ModeEncrypt seals non-whitelisted writes with a throwaway key,
	// making the ciphertext permanently unrecoverable ("shred on write").
	ModeEncrypt ProtectionMode = iota
	// ModeIgnore discards non-whitelisted writes while reporting the full
	// requested byte count, so naive callers that only check the return
	// value keep working.
	ModeIgnore
)

// String returns the string representation of the protection mode
func (m ProtectionMode) String() string {
	switch m {
	case ModeEncrypt:
		return "encrypt"
	case ModeIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// UnmatchedPolicy controls the fate of paths matching no rule at all.
type UnmatchedPolicy uint8

const (
	// UnmatchedBlock denies the operation with a permission error.
	UnmatchedBlock UnmatchedPolicy = iota
	// UnmatchedProtect routes the operation into the encrypting pipeline
	// under the active ProtectionMode ("protect by default").
	UnmatchedProtect
)

// String returns the string representation of the unmatched policy
func (u UnmatchedPolicy) String() string {
	switch u {
	case UnmatchedBlock:
		return "block"
	case UnmatchedProtect:
		return "protect"
	default:
		return "unknown"
	}
}

// MatcherKind selects how a PathRule pattern is compared against a
// canonical path.
type MatcherKind uint8

const (
	// MatchExact requires string equality with the canonical path.
	MatchExact MatcherKind = iota
	// MatchPrefix matches any canonical path beginning with the pattern.
	MatchPrefix
	// MatchGlob matches with a compiled glob pattern ('/' separated).
	MatchGlob
)

// String returns the string representation of the matcher kind
func (k MatcherKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	case MatchGlob:
		return "glob"
	default:
		return "unknown"
	}
}

// PathRule associates a path pattern with a classification and an
// encryption requirement. Rules are evaluated in insertion order within
// their classification list; first match wins.
type PathRule struct {
	Kind       MatcherKind
	Pattern    string
	Class      Classification
	Encryption Requirement
}

// Validate checks that the rule is internally consistent.
func (r PathRule) Validate() error {
	if r.Pattern == "" {
		return &ValidationError{Field: "pattern", Message: "pattern cannot be empty"}
	}
	switch r.Class {
	case ClassWhitelisted:
	case ClassSystem, ClassTmpfs:
		if r.Encryption != RequireNone {
			return &ValidationError{
				Field:   "encryption",
				Value:   r.Encryption,
				Message: fmt.Sprintf("%s rules cannot carry an encryption requirement", r.Class),
			}
		}
	default:
		return &ValidationError{
			Field:   "class",
			Value:   r.Class,
			Message: "rules may only classify as whitelist, system or tmpfs",
		}
	}
	return nil
}

// PaddingConfig controls the random padding appended before sealing and the
// optional noise interleaved between nested layers. Padding obscures true
// payload size; it is stripped on read and never part of the recovered
// plaintext.
type PaddingConfig struct {
	// MinPadding is the minimum number of random padding bytes.
	MinPadding int
	// MaxPadding is the maximum number of random padding bytes. Zero
	// disables padding entirely.
	MaxPadding int
	// LayerNoise interleaves random noise between nested layers.
	LayerNoise bool
}

const (
	// DefaultSpillThreshold is how many buffered plaintext bytes a
	// descriptor may accumulate in memory before spilling to disk.
	DefaultSpillThreshold = int64(256 << 20)

	// DefaultBackupSuffix is appended to a path to name its backup artifact.
	DefaultBackupSuffix = ".sealbak"

	// DefaultIntegritySuffix names the sidecar holding the ciphertext digest.
	DefaultIntegritySuffix = ".sum"

	// DefaultMaxRules bounds the number of rules per classification list.
	DefaultMaxRules = 1024
)

// Config contains configuration for the interception engine
type Config struct {
	// Rules is the ordered policy rule list.
	Rules []PathRule

	// Mode selects encrypt-with-throwaway-key vs ignore-silently for
	// non-whitelisted writes.
	Mode ProtectionMode

	// Unmatched selects fail-closed blocking vs protect-by-default for
	// paths matching no rule.
	Unmatched UnmatchedPolicy

	// SpillThreshold is the in-memory buffering limit per descriptor.
	SpillThreshold int64

	// Layers is the number of nested seal applications for throwaway
	// (unrecoverable) writes. Readable paths always use exactly one
	// retained-key layer regardless of this setting.
	Layers int

	// Padding configures size obfuscation.
	Padding PaddingConfig

	// ObfuscateTiming adds a bounded random delay to protected reads and
	// writes to blur access patterns.
	ObfuscateTiming bool

	// BackupSuffix names backup artifacts; IntegritySuffix names digest
	// sidecars.
	BackupSuffix    string
	IntegritySuffix string

	// MaxRules bounds each classification rule list.
	MaxRules int

	// Cipher suite used by the standard provider.
	Cipher CipherSuite

	// Provider supplies the cryptographic primitives. Defaults to the
	// standard provider for the configured cipher suite.
	Provider CipherProvider

	// Canonicalize resolves a path to its canonical absolute form before
	// policy matching and key derivation. Defaults to lexical cleaning,
	// which is correct for abstract filesystems without symlinks; use
	// OSCanonicalizer when interposing on a real OS filesystem.
	Canonicalize Canonicalizer

	// Logger receives structured decision and lifecycle events. Defaults
	// to a no-op logger.
	Logger *zap.Logger
}

// Validate checks if the configuration is valid and fills in defaults.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.SpillThreshold == 0 {
		c.SpillThreshold = DefaultSpillThreshold
	}
	if c.SpillThreshold < 0 {
		return &ValidationError{Field: "spill_threshold", Value: c.SpillThreshold, Message: "threshold cannot be negative"}
	}
	if c.Layers == 0 {
		c.Layers = 1
	}
	if c.Layers < 1 {
		return &ValidationError{Field: "layers", Value: c.Layers, Message: "at least one layer is required"}
	}
	if c.Padding.MinPadding < 0 || c.Padding.MaxPadding < 0 {
		return &ValidationError{Field: "padding", Message: "padding bounds cannot be negative"}
	}
	if c.Padding.MaxPadding > 0 && c.Padding.MinPadding > c.Padding.MaxPadding {
		return &ValidationError{
			Field:   "padding",
			Value:   c.Padding.MinPadding,
			Message: "minimum padding exceeds maximum",
		}
	}
	if c.BackupSuffix == "" {
		c.BackupSuffix = DefaultBackupSuffix
	}
	if c.IntegritySuffix == "" {
		c.IntegritySuffix = DefaultIntegritySuffix
	}
	if c.MaxRules == 0 {
		c.MaxRules = DefaultMaxRules
	}
	if c.MaxRules < 0 {
		return &ValidationError{Field: "max_rules", Value: c.MaxRules, Message: "rule limit cannot be negative"}
	}
	if len(c.Rules) > c.MaxRules {
		return ErrRuleLimit
	}
	for i, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	if c.Cipher != CipherAuto && c.Cipher != CipherAES256GCM && c.Cipher != CipherChaCha20Poly1305 {
		return ErrUnsupportedCipher
	}
	if c.Provider == nil {
		p, err := NewStandardProvider(c.Cipher)
		if err != nil {
			return err
		}
		c.Provider = p
	}
	if c.Canonicalize == nil {
		c.Canonicalize = LexicalCanonicalizer
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// CipherSuite represents the AEAD algorithm used by the standard provider.
type CipherSuite uint8

const (
	// CipherAuto selects AES-256-GCM.
	CipherAuto CipherSuite = iota
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode.
	CipherAES256GCM
	// CipherChaCha20Poly1305 uses ChaCha20 with Poly1305 MAC.
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// ParseProtectionMode converts a string to a ProtectionMode.
func ParseProtectionMode(s string) (ProtectionMode, error) {
	switch s {
	case "encrypt", "":
		return ModeEncrypt, nil
	case "ignore":
		return ModeIgnore, nil
	}
	return 0, fmt.Errorf("unknown protection mode %q (valid: encrypt, ignore)", s)
}

// ParseUnmatchedPolicy converts a string to an UnmatchedPolicy.
func ParseUnmatchedPolicy(s string) (UnmatchedPolicy, error) {
	switch s {
	case "block", "":
		return UnmatchedBlock, nil
	case "protect":
		return UnmatchedProtect, nil
	}
	return 0, fmt.Errorf("unknown unmatched policy %q (valid: block, protect)", s)
}

// ParseMatcherKind converts a string to a MatcherKind.
func ParseMatcherKind(s string) (MatcherKind, error) {
	switch s {
	case "exact":
		return MatchExact, nil
	case "prefix", "":
		return MatchPrefix, nil
	case "glob":
		return MatchGlob, nil
	}
	return 0, fmt.Errorf("unknown matcher kind %q (valid: exact, prefix, glob)", s)
}

// ParseClassification converts a string to a Classification.
func ParseClassification(s string) (Classification, error) {
	switch s {
	case "whitelist":
		return ClassWhitelisted, nil
	case "system":
		return ClassSystem, nil
	case "tmpfs":
		return ClassTmpfs, nil
	}
	return 0, fmt.Errorf("unknown classification %q (valid: whitelist, system, tmpfs)", s)
}

// ParseRequirement converts a string to a Requirement.
func ParseRequirement(s string) (Requirement, error) {
	switch s {
	case "none", "":
		return RequireNone, nil
	case "readwrite":
		return RequireReadWrite, nil
	case "writeonly":
		return RequireWriteOnly, nil
	}
	return 0, fmt.Errorf("unknown encryption requirement %q (valid: none, readwrite, writeonly)", s)
}
