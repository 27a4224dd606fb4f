package models

import "time"

// User is the profile row owned by the identity provider. The engine only
// ever reads it.
type User struct {
	ID           string `db:"id" json:"id"`
	Username     string `db:"username" json:"username"`
	Email        string `db:"email" json:"email,omitempty"`
	ProfilePhoto string `db:"profile_photo" json:"profile_photo,omitempty"`
}

// PushToken binds a user to their device push token.
type PushToken struct {
	UserID    string    `db:"user_id" json:"user_id"`
	Token     string    `db:"push_token" json:"push_token"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
