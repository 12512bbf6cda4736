package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltFileName is the per-database salt persisted next to the data.
	SaltFileName = "db.salt"
	saltSize     = 32
	// KeyIterations is the PBKDF2 work factor for DeriveKey.
	KeyIterations = 600000
)

// DeriveKey derives a 32-byte AES-256 key from password and the salt stored
// in dataDir, generating and persisting a new salt on first use.
//
// Losing the salt file makes the data unreadable even with the right
// password.
func DeriveKey(password, dataDir string) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("encryption password required")
	}
	salt, err := loadOrCreateSalt(dataDir)
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(password), salt, KeyIterations, 32, sha256.New), nil
}

func loadOrCreateSalt(dataDir string) ([]byte, error) {
	saltFile := filepath.Join(dataDir, SaltFileName)
	if existing, err := os.ReadFile(saltFile); err == nil && len(existing) == saltSize {
		return existing, nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate encryption salt: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(saltFile, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save encryption salt: %w", err)
	}
	return salt, nil
}
