package sealfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
)

// Canonicalizer resolves a path to its canonical absolute form before policy
// matching and key derivation. A returned error classifies the path Blocked.
type Canonicalizer func(string) (string, error)

// LexicalCanonicalizer cleans the path without touching the filesystem.
// Suitable for abstract filesystems that have no symlinks; relative paths
// are rejected.
func LexicalCanonicalizer(p string) (string, error) {
	if p == "" {
		return "", errors.New("empty path")
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q is not absolute", p)
	}
	return path.Clean(p), nil
}

// OSCanonicalizer resolves symlinks against the real OS filesystem. A path
// that does not exist yet is resolved through its parent directory; an
// entry that exists but cannot be resolved (a broken symlink) is an error,
// so the policy engine classifies it Blocked.
func OSCanonicalizer(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if _, lerr := os.Lstat(abs); lerr == nil {
		// The entry exists but cannot be resolved: broken symlink.
		return "", err
	} else if !errors.Is(lerr, fs.ErrNotExist) {
		return "", lerr
	}
	// Not-yet-created file: canonicalize the parent and rejoin the name.
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

// compiledRule pairs a rule with its compiled glob, when applicable.
type compiledRule struct {
	rule PathRule
	g    glob.Glob
}

// matches reports whether the canonical path satisfies the rule.
func (c compiledRule) matches(canonical string) bool {
	switch c.rule.Kind {
	case MatchExact:
		return canonical == c.rule.Pattern
	case MatchPrefix:
		return strings.HasPrefix(canonical, c.rule.Pattern)
	case MatchGlob:
		return c.g != nil && c.g.Match(canonical)
	default:
		return false
	}
}

// ruleList is an ordered rule sequence guarded by a single exclusive lock.
// Reads and mutations of one list are mutually exclusive; distinct lists
// are independent.
type ruleList struct {
	mu    sync.Mutex
	rules []compiledRule
	limit int
}

func (l *ruleList) add(r PathRule) error {
	c := compiledRule{rule: r}
	if r.Kind == MatchGlob {
		g, err := glob.Compile(r.Pattern, '/')
		if err != nil {
			return &ValidationError{Field: "pattern", Value: r.Pattern, Message: "invalid glob", Err: err}
		}
		c.g = g
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.rules) >= l.limit {
		return ErrRuleLimit
	}
	l.rules = append(l.rules, c)
	return nil
}

func (l *ruleList) remove(pattern string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.rules {
		if c.rule.Pattern == pattern {
			l.rules = append(l.rules[:i], l.rules[i+1:]...)
			return true
		}
	}
	return false
}

func (l *ruleList) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules = nil
}

func (l *ruleList) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rules)
}

// match returns the encryption requirement of the first matching rule.
func (l *ruleList) match(canonical string) (Requirement, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.rules {
		if c.matches(canonical) {
			return c.rule.Encryption, true
		}
	}
	return RequireNone, false
}

// Decision is the result of evaluating a path against the policy.
type Decision struct {
	// Canonical is the resolved absolute path, empty when resolution failed.
	Canonical string
	// Class is the assigned classification.
	Class Classification
	// Encryption is the matched rule's requirement (whitelist rules only).
	Encryption Requirement
}

// PolicyEngine classifies canonical paths against ordered whitelist, system
// and tmpfs rule lists. Whitelist rules are consulted first, then system,
// then tmpfs; within a list the first match wins. Paths matching no rule
// are Blocked. Safe for concurrent use.
type PolicyEngine struct {
	whitelist    *ruleList
	system       *ruleList
	tmpfs        *ruleList
	canonicalize Canonicalizer
	logger       *zap.Logger
}

// NewPolicyEngine builds an engine from the configured rules.
func NewPolicyEngine(cfg *Config) (*PolicyEngine, error) {
	e := &PolicyEngine{
		whitelist:    &ruleList{limit: cfg.MaxRules},
		system:       &ruleList{limit: cfg.MaxRules},
		tmpfs:        &ruleList{limit: cfg.MaxRules},
		canonicalize: cfg.Canonicalize,
		logger:       cfg.Logger,
	}
	for _, r := range cfg.Rules {
		if err := e.AddRule(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// listFor returns the rule list owning the given classification.
func (e *PolicyEngine) listFor(class Classification) (*ruleList, error) {
	switch class {
	case ClassWhitelisted:
		return e.whitelist, nil
	case ClassSystem:
		return e.system, nil
	case ClassTmpfs:
		return e.tmpfs, nil
	default:
		return nil, &ValidationError{Field: "class", Value: class, Message: "no rule list for classification"}
	}
}

// AddRule appends a rule to the list for its classification.
func (e *PolicyEngine) AddRule(r PathRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	l, err := e.listFor(r.Class)
	if err != nil {
		return err
	}
	return l.add(r)
}

// RemoveRule removes the first rule with the given pattern from the list for
// the classification. It reports whether a rule was removed.
func (e *PolicyEngine) RemoveRule(class Classification, pattern string) bool {
	l, err := e.listFor(class)
	if err != nil {
		return false
	}
	return l.remove(pattern)
}

// ClearRules empties the list for the classification.
func (e *PolicyEngine) ClearRules(class Classification) {
	if l, err := e.listFor(class); err == nil {
		l.clear()
	}
}

// RuleCount returns the number of rules in the list for the classification.
func (e *PolicyEngine) RuleCount(class Classification) int {
	l, err := e.listFor(class)
	if err != nil {
		return 0
	}
	return l.count()
}

// Evaluate canonicalizes the path and assigns its classification. A path
// that cannot be canonicalized is Blocked (fail closed).
func (e *PolicyEngine) Evaluate(p string) Decision {
	canonical, err := e.canonicalize(p)
	if err != nil {
		e.logger.Debug("path canonicalization failed, blocking",
			zap.String("path", p), zap.Error(err))
		return Decision{Class: ClassBlocked}
	}

	if req, ok := e.whitelist.match(canonical); ok {
		return Decision{Canonical: canonical, Class: ClassWhitelisted, Encryption: req}
	}
	if _, ok := e.system.match(canonical); ok {
		return Decision{Canonical: canonical, Class: ClassSystem}
	}
	if _, ok := e.tmpfs.match(canonical); ok {
		return Decision{Canonical: canonical, Class: ClassTmpfs}
	}
	return Decision{Canonical: canonical, Class: ClassBlocked}
}

// Classify returns the classification for a path.
func (e *PolicyEngine) Classify(p string) Classification {
	return e.Evaluate(p).Class
}

// EncryptionRequirement returns the effective requirement for a path under
// the requested access. WriteOnly rules collapse to RequireNone for
// read-only access: the underlying store reader sees raw bytes.
func (e *PolicyEngine) EncryptionRequirement(p string, writeIntent bool) Requirement {
	d := e.Evaluate(p)
	if d.Class != ClassWhitelisted {
		return RequireNone
	}
	if d.Encryption == RequireWriteOnly && !writeIntent {
		return RequireNone
	}
	return d.Encryption
}
