package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Username       string    `json:"username" db:"username"`
	Email          string    `json:"email" db:"email"`
	HashedPassword string    `json:"-" db:"password_hash"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" db:"updated_at"`
	LastActive     time.Time `json:"lastActive" db:"last_active"`
	IsConnected    bool      `json:"isConnected" db:"is_connected"`
}

// PublicUser is the view of a user shown to other participants.
type PublicUser struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	LastActive  time.Time `json:"lastActive"`
	IsConnected bool      `json:"isConnected"`
}

func (u *User) Public() *PublicUser {
	if u == nil {
		return nil
	}
	return &PublicUser{
		ID:          u.ID,
		Username:    u.Username,
		LastActive:  u.LastActive,
		IsConnected: u.IsConnected,
	}
}
