package model

import "time"

// User stores Telegram user metadata plus per-user calendar sync settings.
type User struct {
	ID         uint  `gorm:"primaryKey"`
	TelegramID int64 `gorm:"uniqueIndex"`
	FirstName  string
	LastName   string
	Username   string

	// Calendar sync settings. SyncColor and HashtagEnabled decide which
	// calendar events count as tasks; LastSyncAt anchors the next fetch
	// window and is the only field the sync engine writes back.
	SyncEnabled    bool   `gorm:"default:false"`
	SyncColor      string
	HashtagEnabled bool `gorm:"default:true"`
	LastSyncAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
