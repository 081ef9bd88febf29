package sharing

import (
	"strings"
	"time"
)

// Member grants a user access to a sharing group. SponsorUserID names the user whose
// cloud storage backs files the member creates; empty means the member's own storage.
type Member struct {
	SharingGroupUUID string    `gorm:"column:sharing_group_uuid;primaryKey;size:36;not null"`
	UserID           string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	SponsorUserID    string    `gorm:"column:sponsor_user_id;size:190"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing sharing group membership.
func (Member) TableName() string {
	return "sharing_group_users"
}

// OwningUserID returns the user who pays for this member's files.
func (m Member) OwningUserID() string {
	if sponsor := normalize(m.SponsorUserID); sponsor != "" {
		return sponsor
	}
	return m.UserID
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Member{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
