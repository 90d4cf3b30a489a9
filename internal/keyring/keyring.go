// Package keyring stores the SSH tunnel key in the system keyring.
package keyring

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	zkeyring "github.com/zalando/go-keyring"
	"golang.org/x/crypto/ssh"
)

// ServiceName is the identifier used for storing credentials in the system keyring.
const ServiceName = "tunnel-supervisor"

var (
	// ErrKeyringCredentialNotFound is returned when a credential does not exist in the keyring.
	ErrKeyringCredentialNotFound = errors.New("credential not found")
	// ErrKeyringInvalidKeyID is returned when a key ID is not a valid UUID.
	ErrKeyringInvalidKeyID = errors.New("invalid key ID: must be a valid UUID")
	// ErrNoKey is returned when neither the keyring nor the key file holds a key.
	ErrNoKey = errors.New("no ssh key configured")
	// ErrEncryptedKey is returned for keys that need a passphrase.
	ErrEncryptedKey = errors.New("ssh key is passphrase protected")
)

// Store defines the interface for credential storage operations.
type Store interface {
	Save(keyID, secret string) error
	Get(keyID string) (string, error)
	Delete(keyID string) error
}

// SystemKeyring implements Store using the system keyring.
type SystemKeyring struct{}

// NewSystemKeyring creates a new SystemKeyring instance.
func NewSystemKeyring() *SystemKeyring {
	return &SystemKeyring{}
}

// Save stores secret under keyID, which must be a valid UUID.
func (s *SystemKeyring) Save(keyID, secret string) error {
	if err := validateKeyID(keyID); err != nil {
		return err
	}
	if err := zkeyring.Set(ServiceName, keyID, secret); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Get retrieves the secret for keyID.
// Returns ErrKeyringCredentialNotFound if nothing is stored.
func (s *SystemKeyring) Get(keyID string) (string, error) {
	if err := validateKeyID(keyID); err != nil {
		return "", err
	}
	secret, err := zkeyring.Get(ServiceName, keyID)
	if err != nil {
		if errors.Is(err, zkeyring.ErrNotFound) {
			return "", ErrKeyringCredentialNotFound
		}
		return "", fmt.Errorf("failed to retrieve credential: %w", err)
	}
	return secret, nil
}

// Delete removes the secret for keyID. Deleting a missing secret is not an error.
func (s *SystemKeyring) Delete(keyID string) error {
	if err := validateKeyID(keyID); err != nil {
		return err
	}
	if err := zkeyring.Delete(ServiceName, keyID); err != nil {
		if errors.Is(err, zkeyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func validateKeyID(keyID string) error {
	if _, err := uuid.Parse(keyID); err != nil {
		return ErrKeyringInvalidKeyID
	}
	return nil
}

// puttyHeader starts PuTTY private key files, which ssh cannot parse.
var puttyHeader = []byte("PuTTY-User-Key-File-")

// ValidatePrivateKey checks that key is an unencrypted private key the SSH
// client can use without prompting.
func ValidatePrivateKey(key []byte) error {
	if bytes.HasPrefix(bytes.TrimSpace(key), puttyHeader) {
		return nil
	}
	if _, err := ssh.ParseRawPrivateKey(key); err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return ErrEncryptedKey
		}
		return fmt.Errorf("invalid ssh key: %w", err)
	}
	return nil
}

// SSHKeySource loads the tunnel key, preferring the keyring over the file.
type SSHKeySource struct {
	Store   Store
	KeyID   string
	KeyFile string
}

// SSHKey returns the validated private key.
func (s SSHKeySource) SSHKey() ([]byte, error) {
	key, err := s.load()
	if err != nil {
		return nil, err
	}
	if err := ValidatePrivateKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s SSHKeySource) load() ([]byte, error) {
	if s.Store != nil && s.KeyID != "" {
		secret, err := s.Store.Get(s.KeyID)
		switch {
		case err == nil:
			return []byte(secret), nil
		case !errors.Is(err, ErrKeyringCredentialNotFound):
			return nil, err
		}
	}

	if s.KeyFile == "" {
		return nil, ErrNoKey
	}
	key, err := os.ReadFile(s.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	return key, nil
}
