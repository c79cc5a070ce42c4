// Package authstore persists ClientCredentials in an AES-GCM
// encrypted blob and validates client-id/client-secret pairs against
// it. Secrets are never stored in plaintext; only a bcrypt hash is
// persisted.
package authstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/block/mysql-coldbackup/internal/model"
)

const (
	defaultClientID     = "default-client"
	defaultClientSecret = "default-secret-2024"

	maxClientIDLen     = 100
	maxClientSecretLen = 200
)

// ErrCredentialStoreUnreadable is returned when the file cannot be
// decrypted with the supplied key, e.g. because the key rotated.
var ErrCredentialStoreUnreadable = errors.New("authstore: credential store is unreadable with the supplied key")

// ErrInvalidClientID is returned when a client id violates the length
// or character constraints.
var ErrInvalidClientID = errors.New("authstore: client id must be non-empty, <=100 chars, and contain no ':'")

// ErrInvalidClientSecret is returned when a client secret violates the
// length or character constraints.
var ErrInvalidClientSecret = errors.New("authstore: client secret must be non-empty, <=200 chars, and contain no ':'")

type document struct {
	Credentials []model.ClientCredentials `json:"credentials"`
}

// Store is a file-backed, encrypted-at-rest credential store. One
// Store instance owns its path exclusively; writes are atomic via
// write-temp-then-rename, guarded by a per-path mutex.
type Store struct {
	mu   sync.Mutex
	path string
	key  [32]byte
}

// Open loads (or, if the file is empty/missing, seeds) the credential
// store at path using key for AES-256-GCM.
func Open(path string, key [32]byte) (*Store, error) {
	s := &Store{path: path, key: key}

	info, err := os.Stat(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("authstore: stat %s: %w", path, err)
	}
	if os.IsNotExist(err) || info.Size() == 0 {
		if err := s.seedDefault(); err != nil {
			return nil, err
		}
		return s, nil
	}

	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) seedDefault() error {
	hash, err := bcrypt.GenerateFromPassword([]byte(defaultClientSecret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("authstore: hashing default secret: %w", err)
	}
	doc := document{Credentials: []model.ClientCredentials{{
		ClientID:   defaultClientID,
		SecretHash: string(hash),
		Name:       "default",
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}}}
	return s.persist(doc)
}

func (s *Store) load() (document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return document{}, fmt.Errorf("authstore: reading %s: %w", s.path, err)
	}

	plaintext, err := decrypt(s.key, raw)
	if err != nil {
		return document{}, ErrCredentialStoreUnreadable
	}

	var doc document
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return document{}, ErrCredentialStoreUnreadable
	}
	return doc, nil
}

func (s *Store) persist(doc document) error {
	plaintext, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("authstore: marshaling store: %w", err)
	}
	ciphertext, err := encrypt(s.key, plaintext)
	if err != nil {
		return fmt.Errorf("authstore: encrypting store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".authstore-*.tmp")
	if err != nil {
		return fmt.Errorf("authstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(ciphertext); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("authstore: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("authstore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("authstore: renaming temp file into place: %w", err)
	}
	return nil
}

func validateClientID(clientID string) error {
	if clientID == "" || len(clientID) > maxClientIDLen || strings.Contains(clientID, ":") {
		return ErrInvalidClientID
	}
	return nil
}

func validateClientSecret(secret string) error {
	if secret == "" || len(secret) > maxClientSecretLen || strings.Contains(secret, ":") {
		return ErrInvalidClientSecret
	}
	return nil
}

// Add inserts or replaces a credential row. The plaintext secret never
// touches disk; only its bcrypt hash does.
func (s *Store) Add(clientID, secret, name string) error {
	if err := validateClientID(clientID); err != nil {
		return err
	}
	if err := validateClientSecret(secret); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("authstore: hashing secret: %w", err)
	}

	replaced := false
	for i, c := range doc.Credentials {
		if c.ClientID == clientID {
			doc.Credentials[i].SecretHash = string(hash)
			doc.Credentials[i].Name = name
			doc.Credentials[i].Active = true
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Credentials = append(doc.Credentials, model.ClientCredentials{
			ClientID:   clientID,
			SecretHash: string(hash),
			Name:       name,
			Active:     true,
			CreatedAt:  time.Now().UTC(),
		})
	}

	return s.persist(doc)
}

// Remove deactivates clientID rather than deleting its row, so prior
// AuditEntry records referencing it remain meaningful.
func (s *Store) Remove(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	found := false
	for i, c := range doc.Credentials {
		if c.ClientID == clientID {
			doc.Credentials[i].Active = false
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("authstore: client %s not found", clientID)
	}
	return s.persist(doc)
}

// List returns all credential rows (with hashes, never plaintext).
func (s *Store) List() ([]model.ClientCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Credentials, nil
}

// Validate reports whether clientID/secret form a valid, active
// credential pair. It never returns an error for "not found" or
// "wrong secret" — both simply validate false, matching spec §8's
// auth round-trip property.
func (s *Store) Validate(clientID, secret string) (bool, error) {
	s.mu.Lock()
	doc, err := s.load()
	s.mu.Unlock()
	if err != nil {
		return false, err
	}

	if clientID == "" || secret == "" {
		return false, nil
	}

	for _, c := range doc.Credentials {
		if c.ClientID != clientID {
			continue
		}
		if !c.Active {
			return false, nil
		}
		return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil, nil
	}
	return false, nil
}

// ParseHelloPayload splits a decoded HELLO payload into (clientId,
// clientSecret) at exactly one ':'. More or fewer split points is a
// protocol error, not a validation failure.
func ParseHelloPayload(decoded string) (clientID, secret string, err error) {
	parts := strings.SplitN(decoded, ":", 2)
	if len(parts) != 2 || strings.Contains(parts[1], ":") {
		return "", "", fmt.Errorf("authstore: HELLO payload must contain exactly one ':'")
	}
	return parts[0], parts[1], nil
}

func encrypt(key [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(key [32]byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("authstore: ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
