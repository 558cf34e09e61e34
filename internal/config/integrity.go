package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// checksumFileName sits next to the config file and pins its BLAKE3 hash.
// "config lock" writes it; Load and "config check" verify against it.
const checksumFileName = ".attache.sum"

type checksumFile struct {
	Checksums map[string]string `yaml:"checksums"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read file for hashing: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// WriteChecksum records the current hash of configPath, authorizing its state.
func WriteChecksum(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}

	hash, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return "", err
	}

	sumPath := filepath.Join(filepath.Dir(absPath), checksumFileName)
	cf := checksumFile{Checksums: map[string]string{}}
	if data, err := os.ReadFile(sumPath); err == nil {
		_ = yaml.Unmarshal(data, &cf)
	}
	if cf.Checksums == nil {
		cf.Checksums = map[string]string{}
	}
	cf.Checksums[filepath.Base(absPath)] = hash

	out, err := yaml.Marshal(&cf)
	if err != nil {
		return "", fmt.Errorf("marshal checksum file: %w", err)
	}
	if err := os.WriteFile(sumPath, out, 0o644); err != nil {
		return "", fmt.Errorf("write checksum file: %w", err)
	}
	return hash, nil
}

// VerifyChecksum verifies configPath against its recorded hash. A missing
// checksum file is an error here, unlike during Load.
func VerifyChecksum(configPath string) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	sumPath := filepath.Join(filepath.Dir(absPath), checksumFileName)
	if _, err := os.Stat(sumPath); err != nil {
		return fmt.Errorf("no checksum file at %s; run 'attache config lock' first", sumPath)
	}
	return verifyAgainstChecksumFile(absPath, sumPath)
}

// verifyConfigHash is the lenient variant used by Load: absent checksum file
// means integrity checking is not in use.
func verifyConfigHash(absPath string) error {
	sumPath := filepath.Join(filepath.Dir(absPath), checksumFileName)
	if _, err := os.Stat(sumPath); err != nil {
		return nil
	}
	return verifyAgainstChecksumFile(absPath, sumPath)
}

func verifyAgainstChecksumFile(absPath, sumPath string) error {
	data, err := os.ReadFile(sumPath)
	if err != nil {
		return fmt.Errorf("read checksum file: %w", err)
	}
	var cf checksumFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse checksum file: %w", err)
	}

	expected, ok := cf.Checksums[filepath.Base(absPath)]
	if !ok {
		return fmt.Errorf("checksum file has no entry for %s", filepath.Base(absPath))
	}

	actual, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("config integrity check failed for %s: expected %s, got %s",
			filepath.Base(absPath), expected, actual)
	}
	return nil
}
