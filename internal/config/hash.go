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

// checksumFileName sits next to the config file it locks.
const checksumFileName = ".checksums"

// ChecksumFile is the on-disk lock record.
type ChecksumFile struct {
	GeneratedAt time.Time         `yaml:"generated_at"`
	Files       map[string]string `yaml:"files"`
}

// ComputeHash computes the BLAKE3 hash of a file.
func ComputeHash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actual, err := ComputeHash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actual)
	}
	return nil
}

// Lock writes a checksum lock for the config file, authorizing its
// current content.
func Lock(configPath string) error {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	hash, err := ComputeHash(abs)
	if err != nil {
		return err
	}
	cf := ChecksumFile{
		GeneratedAt: time.Now().UTC(),
		Files:       map[string]string{filepath.Base(abs): hash},
	}
	data, err := yaml.Marshal(&cf)
	if err != nil {
		return fmt.Errorf("marshal checksums: %w", err)
	}
	path := filepath.Join(filepath.Dir(abs), checksumFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write checksums: %w", err)
	}
	return nil
}

// VerifyIfLocked checks the config file against its checksum lock if one
// exists. A missing lock file is not an error; a stale hash is.
func VerifyIfLocked(configPath string) error {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	lockPath := filepath.Join(filepath.Dir(abs), checksumFileName)
	data, err := os.ReadFile(lockPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checksums: %w", err)
	}
	var cf ChecksumFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse checksums: %w", err)
	}
	expected, ok := cf.Files[filepath.Base(abs)]
	if !ok {
		return nil
	}
	if err := VerifyFileHash(abs, expected); err != nil {
		return fmt.Errorf("config integrity check failed (run 'config lock' to authorize changes): %w", err)
	}
	return nil
}
