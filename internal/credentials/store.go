package credentials

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/apperrors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxIdentifierLength = 190

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrInvalidCredential indicates a credential without owner, platform or access token.
	ErrInvalidCredential = errors.New("credentials: invalid credential")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew = "credentials.store.new"
	opGet      = "credentials.get"
	opSave     = "credentials.save"
	opDelete   = "credentials.delete"
)

// Credential is the single OAuth credential stored for a (user, platform) pair.
type Credential struct {
	ID                uint       `gorm:"column:id;primaryKey;autoIncrement"`
	UserID            string     `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_credentials_user_platform,priority:1"`
	Platform          string     `gorm:"column:platform;size:32;not null;uniqueIndex:idx_credentials_user_platform,priority:2"`
	AccessToken       string     `gorm:"column:access_token;type:text;not null"`
	RefreshToken      string     `gorm:"column:refresh_token;type:text"`
	ExpiresAt         *time.Time `gorm:"column:expires_at"`
	Scope             string     `gorm:"column:scope;type:text"`
	ExternalAccountID string     `gorm:"column:external_account_id;size:190"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null"`
}

func (Credential) TableName() string {
	return "platform_credentials"
}

// ExpiredAt reports whether the access token is expired at now, allowing skew before expiry.
func (c Credential) ExpiredAt(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Add(skew).Before(*c.ExpiresAt)
}

func (c Credential) validate() error {
	if strings.TrimSpace(c.UserID) == "" || len(c.UserID) > maxIdentifierLength {
		return errors.Join(ErrInvalidCredential, errors.New("user id"))
	}
	if strings.TrimSpace(c.Platform) == "" {
		return errors.Join(ErrInvalidCredential, errors.New("platform"))
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return errors.Join(ErrInvalidCredential, errors.New("access token"))
	}
	return nil
}

type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists credentials keyed by (user_id, platform).
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, apperrors.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the stored credential, or nil when the platform was never authorized.
func (s *Store) Get(ctx context.Context, userID, platform string) (*Credential, error) {
	var credential Credential
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND platform = ?", userID, platform).
		Take(&credential).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("user_id", userID), zap.String("platform", platform))
		return nil, apperrors.New(opGet, "query_failed", err)
	}
	return &credential, nil
}

// Save inserts or replaces the credential for its (user, platform) pair.
func (s *Store) Save(ctx context.Context, credential *Credential) error {
	if credential == nil {
		return apperrors.New(opSave, "invalid_credential", ErrInvalidCredential)
	}
	if err := credential.validate(); err != nil {
		return apperrors.New(opSave, "invalid_credential", err)
	}
	now := s.clock().UTC()
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = now
	}
	credential.UpdatedAt = now

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "platform"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "expires_at", "scope", "external_account_id", "updated_at",
		}),
	}).Create(credential).Error
	if err != nil {
		s.logError(opSave, "upsert_failed", err,
			zap.String("user_id", credential.UserID),
			zap.String("platform", credential.Platform))
		return apperrors.New(opSave, "upsert_failed", err)
	}
	return nil
}

// Delete removes the credential. Deleting an absent credential is not an error.
func (s *Store) Delete(ctx context.Context, userID, platform string) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND platform = ?", userID, platform).
		Delete(&Credential{}).Error
	if err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("user_id", userID), zap.String("platform", platform))
		return apperrors.New(opDelete, "delete_failed", err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("credentials store error", attrs...)
}
