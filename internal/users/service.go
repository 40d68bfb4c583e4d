package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates that no user row exists for the identifier.
	ErrUserNotFound = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for user resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user rows.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// Profile carries the mutable attributes supplied by the identity provider.
type Profile struct {
	ID          UserID
	Email       string
	DisplayName string
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// ResolveCanonicalUserID returns the user id carried by the session claims, creating the
// user row the first time it is seen.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (UserID, error) {
	userID, err := NewUserID(claims.UserID)
	if err != nil {
		return "", ErrInvalidIdentity
	}
	if _, ok := s.cache.Load(userID.String()); ok {
		return userID, nil
	}
	if _, err := s.Ensure(ctx, Profile{
		ID:          userID,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
	}); err != nil {
		return "", err
	}
	s.cache.Store(userID.String(), struct{}{})
	return userID, nil
}

// Ensure inserts the user when absent and refreshes changed profile fields.
func (s *Service) Ensure(ctx context.Context, profile Profile) (User, error) {
	if profile.ID == "" {
		return User{}, ErrInvalidIdentity
	}
	nowSeconds := s.now().UTC().Unix()
	candidate := User{
		ID:                profile.ID.String(),
		Email:             normalize(profile.Email),
		DisplayName:       normalize(profile.DisplayName),
		CreatedAtSeconds:  nowSeconds,
		LastSeenAtSeconds: nowSeconds,
	}
	database := s.db.WithContext(ctx)
	created := database.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
	if created.Error != nil {
		return User{}, created.Error
	}
	if created.RowsAffected == 1 {
		return candidate, nil
	}

	var existing User
	if err := database.Where("id = ?", candidate.ID).Take(&existing).Error; err != nil {
		return User{}, err
	}
	updates := map[string]interface{}{"last_seen_at_s": nowSeconds}
	if candidate.Email != "" && candidate.Email != existing.Email {
		updates["email"] = candidate.Email
		existing.Email = candidate.Email
	}
	if candidate.DisplayName != "" && candidate.DisplayName != existing.DisplayName {
		updates["display_name"] = candidate.DisplayName
		existing.DisplayName = candidate.DisplayName
	}
	if err := database.Model(&User{}).Where("id = ?", candidate.ID).Updates(updates).Error; err != nil {
		return User{}, err
	}
	existing.LastSeenAtSeconds = nowSeconds
	return existing, nil
}

// Get loads a user row.
func (s *Service) Get(ctx context.Context, userID UserID) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID.String()).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}
