package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RepoConfig represents a single repository's indexing configuration.
// Each repository has its own YAML file in configs/repos/.
type RepoConfig struct {
	// Repository name stored in repo_name (lowercase, hyphenated)
	RepoName string `yaml:"repo_name"`

	// Human-readable display name
	DisplayName string `yaml:"display_name"`

	// Source code path relative to source_base_path
	SourcePath string `yaml:"source_path"`

	// Paths/patterns to exclude from indexing
	ExcludePaths []string `yaml:"exclude_paths"`

	// Index _test.go files as well
	IncludeTests bool `yaml:"include_tests"`

	// Export unexported symbols too
	IncludeUnexported bool `yaml:"include_unexported"`

	// Optional metadata copied into every entry's metadata
	Metadata RepoMetadata `yaml:"metadata"`
}

// RepoMetadata holds optional repository metadata.
type RepoMetadata struct {
	// Team responsible for the repository
	Team string `yaml:"team,omitempty" json:"team,omitempty"`

	// Tags for categorization
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// GetFullSourcePath returns the path to the repository source.
func (r *RepoConfig) GetFullSourcePath(basePath string) string {
	if filepath.IsAbs(r.SourcePath) {
		return r.SourcePath
	}
	return filepath.Join(basePath, r.SourcePath)
}

// ShouldExcludePath checks if a path matches any exclusion pattern.
func (r *RepoConfig) ShouldExcludePath(path string) bool {
	path = filepath.ToSlash(path)
	for _, pattern := range r.ExcludePaths {
		if strings.HasPrefix(path, pattern) {
			return true
		}

		matched, err := filepath.Match(pattern, filepath.Base(path))
		if err == nil && matched {
			return true
		}

		if strings.HasSuffix(pattern, "/") && strings.Contains(path, "/"+pattern) {
			return true
		}
	}
	return false
}

// Validate checks the repository configuration for errors.
func (r *RepoConfig) Validate() error {
	if r.RepoName == "" {
		return fmt.Errorf("repo_name is required")
	}

	for _, c := range r.RepoName {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("repo_name must contain only lowercase letters, numbers, hyphens and underscores")
		}
	}

	if r.SourcePath == "" {
		return fmt.Errorf("source_path is required")
	}

	return nil
}

// LoadRepoConfig loads a single repository configuration from file.
func LoadRepoConfig(path string) (*RepoConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read repo config: %w", err)
	}

	var cfg RepoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse repo config: %w", err)
	}

	applyRepoDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("repo config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadAllRepos loads all repository configurations from the config
// directory, sorted by repo name.
func LoadAllRepos(configDir string) ([]*RepoConfig, error) {
	entries, err := os.ReadDir(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read repo config directory: %w", err)
	}

	seen := make(map[string]string)
	var repos []*RepoConfig
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		cfg, err := LoadRepoConfig(filepath.Join(configDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", name, err)
		}
		if prev, dup := seen[cfg.RepoName]; dup {
			return nil, fmt.Errorf("repo %s defined twice (%s, %s)", cfg.RepoName, prev, name)
		}
		seen[cfg.RepoName] = name
		repos = append(repos, cfg)
	}

	sort.Slice(repos, func(i, j int) bool { return repos[i].RepoName < repos[j].RepoName })
	return repos, nil
}

// GetRepo loads a specific repository configuration by name.
func GetRepo(configDir, repoName string) (*RepoConfig, error) {
	for _, path := range []string{
		filepath.Join(configDir, repoName+".yaml"),
		filepath.Join(configDir, repoName+".yml"),
	} {
		if _, err := os.Stat(path); err == nil {
			return LoadRepoConfig(path)
		}
	}

	repos, err := LoadAllRepos(configDir)
	if err != nil {
		return nil, err
	}
	for _, r := range repos {
		if r.RepoName == repoName {
			return r, nil
		}
	}

	return nil, fmt.Errorf("repo not found: %s", repoName)
}

// applyRepoDefaults sets default values for missing repository configuration fields.
func applyRepoDefaults(cfg *RepoConfig) {
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.RepoName
	}

	if len(cfg.ExcludePaths) == 0 {
		cfg.ExcludePaths = []string{
			".git/",
			"vendor/",
			"testdata/",
			"node_modules/",
		}
	}
}
