// Package config loads publish settings from a TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/odvcencio/treepush/pkg/collect"
	"github.com/odvcencio/treepush/pkg/object"
	"github.com/odvcencio/treepush/pkg/remote"
	"github.com/odvcencio/treepush/pkg/snapshot"
	"github.com/sirupsen/logrus"
)

// DefaultFileName is looked up in the publish root when no file is named.
const DefaultFileName = "treepush.toml"

// Environment variables consulted by ApplyEnv.
const (
	EnvToken       = "TREEPUSH_TOKEN"
	EnvGitHubToken = "GITHUB_TOKEN"
	EnvRemote      = "TREEPUSH_REMOTE"
)

// Author is the commit identity.
type Author struct {
	Name  string `toml:"name"`
	Email string `toml:"email"`
}

// Signing configures commit signatures.
type Signing struct {
	// Key is an SSH private key path. "~/" is expanded.
	Key string `toml:"key"`
}

// Config holds everything a publish needs besides the directory and message.
type Config struct {
	Remote            string        `toml:"remote"`
	Branch            string        `toml:"branch"`
	Token             string        `toml:"token"`
	TokenEnv          string        `toml:"token_env"`
	Concurrency       int           `toml:"concurrency"`
	MaxAttempts       int           `toml:"max_attempts"`
	Timeout           time.Duration `toml:"timeout"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
	Layout            string        `toml:"layout"`
	BestEffort        bool          `toml:"best_effort"`
	IgnoreFile        string        `toml:"ignore_file"`
	ControlDirs       []string      `toml:"control_dirs"`
	Author            Author        `toml:"author"`
	Signing           Signing       `toml:"signing"`

	// Source is the file the config was read from, if any.
	Source string `toml:"-"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Branch:      "main",
		Concurrency: snapshot.DefaultConcurrency,
		MaxAttempts: 3,
		Timeout:     60 * time.Second,
		Layout:      string(snapshot.LayoutNested),
		IgnoreFile:  ".treepushignore",
		ControlDirs: append([]string(nil), collect.DefaultControlDirs...),
	}
}

// Load reads path over the defaults. A missing file is an error only when
// required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("read config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.Source = path
	return cfg, nil
}

// ApplyEnv overrides file settings from the environment. A variable named by
// token_env wins over TREEPUSH_TOKEN, which wins over GITHUB_TOKEN.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvRemote)); v != "" {
		c.Remote = v
	}
	for _, name := range []string{EnvGitHubToken, EnvToken, c.TokenEnv} {
		if name == "" {
			continue
		}
		if v := strings.TrimSpace(getenv(name)); v != "" {
			c.Token = v
		}
	}
}

// Validate checks the settings needed to publish.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Remote) == "" {
		return errors.New("remote is required (set remote, TREEPUSH_REMOTE or --remote)")
	}
	if _, err := remote.ParseEndpoint(c.Remote); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	if _, err := remote.NormalizeRef(c.Branch); err != nil {
		return fmt.Errorf("branch: %w", err)
	}
	if _, err := snapshot.ParseLayout(c.Layout); err != nil {
		return err
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative, got %g", c.RequestsPerSecond)
	}
	if (c.Author.Name == "") != (c.Author.Email == "") {
		return errors.New("author needs both name and email")
	}
	for _, d := range c.ControlDirs {
		if d == "" || strings.Contains(d, "/") {
			return fmt.Errorf("control_dirs: invalid directory name %q", d)
		}
	}
	return nil
}

// ClientOptions returns the remote client settings.
func (c *Config) ClientOptions(log logrus.FieldLogger) remote.ClientOptions {
	return remote.ClientOptions{
		Token:             c.Token,
		Timeout:           c.Timeout,
		MaxAttempts:       c.MaxAttempts,
		RequestsPerSecond: c.RequestsPerSecond,
		Logger:            log,
	}
}

// CollectOptions returns the file collection settings for publishing root.
// The config file holds credentials, so DefaultFileName at the root and the
// loaded file, when it lies under root, are never collected.
func (c *Config) CollectOptions(root string) collect.Options {
	exclude := []string{DefaultFileName}
	if rel, ok := pathUnder(root, c.Source); ok && rel != DefaultFileName {
		exclude = append(exclude, rel)
	}
	return collect.Options{
		ControlDirs: c.ControlDirs,
		IgnoreFile:  c.IgnoreFile,
		Exclude:     exclude,
	}
}

// pathUnder returns p relative to root, slash-separated, if p lies under root.
func pathUnder(root, p string) (string, bool) {
	if root == "" || p == "" {
		return "", false
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absPath, err := filepath.Abs(p)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Identity returns the configured commit identity, or nil.
func (c *Config) Identity() *object.Signature {
	if c.Author.Name == "" {
		return nil
	}
	return &object.Signature{Name: c.Author.Name, Email: c.Author.Email}
}
