package sharing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotMember indicates the user has no access to the sharing group.
	ErrNotMember = errors.New("sharing: user is not a member of the sharing group")
	// ErrInvalidMember indicates a membership record is missing identifiers.
	ErrInvalidMember = errors.New("sharing: invalid member")
)

// ServiceConfig describes the dependencies required for membership checks.
type ServiceConfig struct {
	Database *gorm.DB
}

// Service answers membership and file ownership questions for sharing groups.
type Service struct {
	db *gorm.DB
}

// NewService constructs the membership service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("sharing: database connection required")
	}
	return &Service{db: cfg.Database}, nil
}

// AddMember creates or updates a membership.
func (s *Service) AddMember(ctx context.Context, member Member) error {
	member.UserID = normalize(member.UserID)
	member.SponsorUserID = normalize(member.SponsorUserID)
	parsed, err := uuid.Parse(normalize(member.SharingGroupUUID))
	if err != nil {
		return fmt.Errorf("%w: sharing group uuid: %v", ErrInvalidMember, err)
	}
	member.SharingGroupUUID = strings.ToUpper(parsed.String())
	if member.UserID == "" {
		return fmt.Errorf("%w: user id required", ErrInvalidMember)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sharing_group_uuid"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"sponsor_user_id", "updated_at"}),
		}).
		Create(&member).Error
}

// Lookup returns the membership of userID in sharingGroupUUID.
func (s *Service) Lookup(ctx context.Context, userID, sharingGroupUUID string) (Member, error) {
	var member Member
	err := s.db.WithContext(ctx).
		Where("sharing_group_uuid = ? AND user_id = ?", sharingGroupUUID, userID).
		Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Member{}, ErrNotMember
	}
	if err != nil {
		return Member{}, err
	}
	return member, nil
}

// CheckMembership returns ErrNotMember unless userID belongs to sharingGroupUUID.
func (s *Service) CheckMembership(ctx context.Context, userID, sharingGroupUUID string) error {
	_, err := s.Lookup(ctx, userID, sharingGroupUUID)
	return err
}

// ResolveOwner returns the user whose cloud storage backs new files userID creates in the group.
func (s *Service) ResolveOwner(ctx context.Context, userID, sharingGroupUUID string) (string, error) {
	member, err := s.Lookup(ctx, userID, sharingGroupUUID)
	if err != nil {
		return "", err
	}
	return member.OwningUserID(), nil
}
