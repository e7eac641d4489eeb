// Package credentials stores service secrets encrypted at rest, keyed by
// service and username.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("credentials: not found")

type Credential struct {
	ID             string    `gorm:"primaryKey;column:id"`
	Service        string    `gorm:"column:service;not null;uniqueIndex:idx_credential_key"`
	Username       string    `gorm:"column:username;not null;uniqueIndex:idx_credential_key"`
	EncryptedValue []byte    `gorm:"column:encrypted_value;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
}

func (Credential) TableName() string {
	return "credentials"
}

// Key identifies a stored secret without revealing it.
type Key struct {
	Service  string
	Username string
}

func (k Key) String() string {
	return k.Service + "/" + k.Username
}

type Store struct {
	db  *gorm.DB
	gcm cipher.AEAD
}

func New(db *gorm.DB, masterKey string) (*Store, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("credentials: master key must not be empty")
	}
	if err := db.AutoMigrate(&Credential{}); err != nil {
		return nil, fmt.Errorf("credentials: running migrations: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(masterKey))
	if err != nil {
		return nil, fmt.Errorf("credentials: creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: creating GCM: %w", err)
	}

	return &Store{db: db, gcm: gcm}, nil
}

// Save stores secret for (service, username), replacing any previous value.
func (s *Store) Save(ctx context.Context, service, username, secret string) error {
	if service == "" {
		return fmt.Errorf("credentials: service must not be empty")
	}
	encrypted, err := s.encrypt([]byte(secret), service, username)
	if err != nil {
		return fmt.Errorf("credentials: encrypting: %w", err)
	}

	now := time.Now().UTC()
	cred := &Credential{
		ID:             uuid.NewString(),
		Service:        service,
		Username:       username,
		EncryptedValue: encrypted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service"}, {Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{"encrypted_value", "updated_at"}),
	}).Create(cred).Error
}

func (s *Store) Get(ctx context.Context, service, username string) (string, error) {
	var cred Credential
	err := s.db.WithContext(ctx).
		Where("service = ? AND username = ?", service, username).
		First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, service, username)
	}
	if err != nil {
		return "", err
	}

	plaintext, err := s.decrypt(cred.EncryptedValue, service, username)
	if err != nil {
		return "", fmt.Errorf("credentials: decrypting %s/%s: %w", service, username, err)
	}
	return string(plaintext), nil
}

func (s *Store) Delete(ctx context.Context, service, username string) error {
	res := s.db.WithContext(ctx).
		Where("service = ? AND username = ?", service, username).
		Delete(&Credential{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, service, username)
	}
	return nil
}

// List returns stored keys ordered by service then username. An empty
// service lists everything.
func (s *Store) List(ctx context.Context, service string) ([]Key, error) {
	q := s.db.WithContext(ctx).Model(&Credential{})
	if service != "" {
		q = q.Where("service = ?", service)
	}

	var keys []Key
	err := q.Select("service", "username").Order("service, username").Scan(&keys).Error
	return keys, err
}

// The (service, username) pair is bound as additional data so a ciphertext
// cannot be moved to another key.
func (s *Store) encrypt(plaintext []byte, service, username string) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.gcm.Seal(nonce, nonce, plaintext, additionalData(service, username)), nil
}

func (s *Store) decrypt(ciphertext []byte, service, username string) ([]byte, error) {
	nonceSize := s.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, data := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return s.gcm.Open(nil, nonce, data, additionalData(service, username))
}

func additionalData(service, username string) []byte {
	return []byte(service + "\x00" + username)
}

func deriveKey(masterKey string) []byte {
	saltHash := sha256.Sum256([]byte("codechat-credential-salt:" + masterKey))
	salt := saltHash[:16]

	return argon2.IDKey([]byte(masterKey), salt, 1, 64*1024, 4, 32)
}
