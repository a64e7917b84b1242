package sealfs

import (
	"fmt"
	"io"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix namespaces the environment overrides (SEALFS_MODE, ...).
const envPrefix = "sealfs"

// fileRule is the YAML shape of one policy rule.
type fileRule struct {
	Kind       string `yaml:"kind"`
	Pattern    string `yaml:"pattern"`
	Class      string `yaml:"class"`
	Encryption string `yaml:"encryption"`
}

// fileConfig is the YAML shape of the whole configuration.
type fileConfig struct {
	Mode           string `yaml:"mode"`
	Unmatched      string `yaml:"unmatched"`
	SpillThreshold int64  `yaml:"spill_threshold"`
	Layers         int    `yaml:"layers"`
	Padding        struct {
		Min        int  `yaml:"min"`
		Max        int  `yaml:"max"`
		LayerNoise bool `yaml:"layer_noise"`
	} `yaml:"padding"`
	ObfuscateTiming bool       `yaml:"obfuscate_timing"`
	BackupSuffix    string     `yaml:"backup_suffix"`
	IntegritySuffix string     `yaml:"integrity_suffix"`
	MaxRules        int        `yaml:"max_rules"`
	Cipher          string     `yaml:"cipher"`
	Rules           []fileRule `yaml:"rules"`
}

// envOverrides are applied on top of the file values. Pointer fields
// distinguish "unset" from zero.
type envOverrides struct {
	Mode            *string `envconfig:"MODE"`
	Unmatched       *string `envconfig:"UNMATCHED"`
	SpillThreshold  *int64  `envconfig:"SPILL_THRESHOLD"`
	Layers          *int    `envconfig:"LAYERS"`
	ObfuscateTiming *bool   `envconfig:"OBFUSCATE_TIMING"`
	BackupSuffix    *string `envconfig:"BACKUP_SUFFIX"`
	Cipher          *string `envconfig:"CIPHER"`
}

// ParseCipherSuite converts a string to a CipherSuite.
func ParseCipherSuite(s string) (CipherSuite, error) {
	switch s {
	case "auto", "":
		return CipherAuto, nil
	case "aes-256-gcm":
		return CipherAES256GCM, nil
	case "chacha20-poly1305":
		return CipherChaCha20Poly1305, nil
	}
	return 0, fmt.Errorf("unknown cipher suite %q (valid: auto, aes-256-gcm, chacha20-poly1305)", s)
}

// LoadConfig parses a YAML configuration and applies SEALFS_* environment
// overrides. The result still needs Validate (New does that); loading
// happens before activation, so it uses the host I/O directly.
func LoadConfig(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to process environment overrides: %w", err)
	}
	applyOverrides(&fc, &env)

	return buildConfig(&fc)
}

// LoadConfigFile loads and parses a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()
	return LoadConfig(f)
}

// applyOverrides folds set environment values into the file config.
func applyOverrides(fc *fileConfig, env *envOverrides) {
	if env.Mode != nil {
		fc.Mode = *env.Mode
	}
	if env.Unmatched != nil {
		fc.Unmatched = *env.Unmatched
	}
	if env.SpillThreshold != nil {
		fc.SpillThreshold = *env.SpillThreshold
	}
	if env.Layers != nil {
		fc.Layers = *env.Layers
	}
	if env.ObfuscateTiming != nil {
		fc.ObfuscateTiming = *env.ObfuscateTiming
	}
	if env.BackupSuffix != nil {
		fc.BackupSuffix = *env.BackupSuffix
	}
	if env.Cipher != nil {
		fc.Cipher = *env.Cipher
	}
}

// buildConfig converts the parsed file shape into a Config.
func buildConfig(fc *fileConfig) (*Config, error) {
	mode, err := ParseProtectionMode(fc.Mode)
	if err != nil {
		return nil, err
	}
	unmatched, err := ParseUnmatchedPolicy(fc.Unmatched)
	if err != nil {
		return nil, err
	}
	cipher, err := ParseCipherSuite(fc.Cipher)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Mode:           mode,
		Unmatched:      unmatched,
		SpillThreshold: fc.SpillThreshold,
		Layers:         fc.Layers,
		Padding: PaddingConfig{
			MinPadding: fc.Padding.Min,
			MaxPadding: fc.Padding.Max,
			LayerNoise: fc.Padding.LayerNoise,
		},
		ObfuscateTiming: fc.ObfuscateTiming,
		BackupSuffix:    fc.BackupSuffix,
		IntegritySuffix: fc.IntegritySuffix,
		MaxRules:        fc.MaxRules,
		Cipher:          cipher,
	}

	for idx, fr := range fc.Rules {
		kind, err := ParseMatcherKind(fr.Kind)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", idx, err)
		}
		class, err := ParseClassification(fr.Class)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", idx, err)
		}
		req, err := ParseRequirement(fr.Encryption)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", idx, err)
		}
		cfg.Rules = append(cfg.Rules, PathRule{
			Kind:       kind,
			Pattern:    fr.Pattern,
			Class:      class,
			Encryption: req,
		})
	}
	return cfg, nil
}
