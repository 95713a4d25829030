package users

import "time"

// Profile is the server-side record for an account created by the external
// identity provider. The id doubles as the token subject.
type Profile struct {
	ID                  string    `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	DisplayName         string    `gorm:"column:display_name;size:255" json:"display_name"`
	AccountType         string    `gorm:"column:account_type;size:50;default:client" json:"account_type"`
	Timezone            string    `gorm:"column:timezone;size:50;default:UTC" json:"-"`
	EncryptionPublicKey string    `gorm:"column:encryption_public_key;type:text" json:"-"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}
