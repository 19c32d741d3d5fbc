package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest written next to the config file by
// "repoflow config lock".
const ChecksumFile = ".checksums"

// ErrNoChecksums is returned by VerifyChecksums when no manifest exists.
var ErrNoChecksums = errors.New("checksums manifest not found")

// ChecksumManifest records the BLAKE3 digest of each locked config file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// ResolveFile returns the config file Load would read for configPath.
func ResolveFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
	}
	return absPath, nil
}

// WriteChecksums hashes the config file and writes the manifest beside it.
// It returns the digest.
func WriteChecksums(configPath string) (string, error) {
	file, err := ResolveFile(configPath)
	if err != nil {
		return "", err
	}
	hash, err := ComputeBlake3Hash(file)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", file, err)
	}

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      map[string]string{filepath.Base(file): hash},
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(filepath.Join(filepath.Dir(file), ChecksumFile), data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write checksums: %w", err)
	}
	return hash, nil
}

// LoadChecksums reads the manifest from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoChecksums
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyChecksums checks the config file against its manifest. It returns
// ErrNoChecksums when the config was never locked.
func VerifyChecksums(configPath string) error {
	file, err := ResolveFile(configPath)
	if err != nil {
		return err
	}
	manifest, err := LoadChecksums(filepath.Dir(file))
	if err != nil {
		return err
	}

	expected, ok := manifest.Hashes[filepath.Base(file)]
	if !ok {
		return fmt.Errorf("%s has no hash in %s (run 'repoflow config lock')", filepath.Base(file), ChecksumFile)
	}
	actual, err := ComputeBlake3Hash(file)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s\n"+
			"If you edited this file intentionally, run: repoflow config lock",
			filepath.Base(file), expected, actual)
	}
	return nil
}
