// Package sealfs is a transparent, policy-driven I/O interposition layer
// for confidential-computing workloads. It evaluates every file operation
// against an ordered path policy and either passes it through, redirects
// it, silently discards it, or transparently encrypts it, so that
// sensitive artifacts written by an unmodified application never reach
// untrusted storage in plaintext.
//
// # Overview
//
// The engine is built over an absfs.FileSystem supplied at construction
// time. That filesystem is the "original I/O" capability: the un-hooked
// primitives the engine calls through to. Real deployments hand it an OS
// filesystem behind an interception mechanism; tests hand it a memfs.
//
// The core pieces:
//
//   - PolicyEngine: ordered whitelist/system/tmpfs rule lists with exact,
//     prefix and glob matchers; first match wins; unresolvable paths are
//     Blocked (fail closed).
//   - KeyHierarchy: a process-lifetime master key, deterministic per-path
//     file keys and single-use throwaway keys, all erased on teardown.
//   - DescriptorRegistry: per-handle protection state; plaintext buffers
//     in memory until a threshold, then spills as sealed records to a
//     private temp file; finalizes with an integrity record at close.
//   - Codec: the IV ‖ ciphertext ‖ tag record format, with optional
//     multi-layer nesting, random padding and inter-layer noise.
//   - CrashGuard: backup-before-overwrite, cooperative interrupt
//     handling with rollback, and three-pass secure deletion.
//
// # Basic Usage
//
//	cfg := &sealfs.Config{
//	    Rules: []sealfs.PathRule{
//	        {Kind: sealfs.MatchPrefix, Pattern: "/checkpoints/",
//	            Class: sealfs.ClassWhitelisted, Encryption: sealfs.RequireReadWrite},
//	        {Kind: sealfs.MatchPrefix, Pattern: "/etc/",
//	            Class: sealfs.ClassSystem},
//	        {Kind: sealfs.MatchPrefix, Pattern: "/tmp/",
//	            Class: sealfs.ClassTmpfs},
//	    },
//	    Mode:      sealfs.ModeEncrypt,
//	    Unmatched: sealfs.UnmatchedProtect,
//	}
//
//	ic, err := sealfs.New(base, cfg)
//	if err != nil {
//	    panic(err)
//	}
//	if err := ic.Activate(); err != nil {
//	    panic(err)
//	}
//	defer ic.Deactivate()
//
//	f, _ := ic.Create("/checkpoints/model.pt")
//	f.Write(weights) // sealed before touching storage
//	f.Close()
//
// # Protection semantics
//
// Whitelisted paths are readable and writable; an encryption requirement
// seals their content with a key derived deterministically from the
// canonical path, so the same file decrypts again after reopening.
// System paths are read-only. Tmpfs paths pass through untouched.
// Everything else is either denied outright, or, under protect-by-default,
// written through a throwaway key (recoverable by nobody, a shred-on-write)
// or silently discarded while the write call still reports success.
//
// # Security Considerations
//
// Protected against: plaintext of protected artifacts reaching untrusted
// storage, tampering with sealed records (authenticated encryption),
// recovery of shredded writes (keys are discarded by construction).
//
// Not protected against: an adversary with kernel or hypervisor access
// inside the trusted boundary, memory inspection of the live process, or
// side channels beyond the optional timing and size obfuscation.
package sealfs
