package domain

import "time"

// UserStatus mirrors AppStatus numbering for platform accounts.
type UserStatus int

const (
	UserBanned        UserStatus = 0
	UserActive        UserStatus = 1
	UserPendingReview UserStatus = 2
)

// User is a platform account read from the user directory. The broker
// only consumes these rows; account management lives elsewhere.
type User struct {
	ID           int64
	UUID         string
	Username     string
	Email        string
	Phone        string
	PasswordHash string
	Nickname     string
	AvatarURL    string
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
