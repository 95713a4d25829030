package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gorm.io/gorm"
)

// ErrProfileNotFound indicates the token subject has no profile row.
var ErrProfileNotFound = errors.New("users: profile not found")

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
}

// Service resolves token subjects to user profiles.
type Service struct {
	db    *gorm.DB
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	return &Service{db: cfg.Database}, nil
}

// ResolveBySubject loads the profile identified by the token subject.
// Profiles are created by the signup flow of the identity provider, never
// here, so an unknown subject is a not-found condition.
func (s *Service) ResolveBySubject(ctx context.Context, subject string) (Profile, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Profile{}, ErrProfileNotFound
	}

	if cached, ok := s.cache.Load(subject); ok {
		if profile, ok := cached.(Profile); ok {
			return profile, nil
		}
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("id = ?", subject).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, err
	}

	s.cache.Store(subject, profile)
	return profile, nil
}
