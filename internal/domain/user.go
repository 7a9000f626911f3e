package domain

import (
	"errors"
	"strings"
)

const (
	MaxUsernameLen = 36
	GuestUsername  = "guest"
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

// UserID is the client token of a local user.
type UserID string

// User is the local person a session acts for. Its Username becomes the
// local participant's display name on join.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

func NewGuest(id UserID) *User {
	return &User{ID: id, Username: GuestUsername}
}

// SetUsername trims and validates name before storing it.
func (u *User) SetUsername(name string) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return ErrUsernameEmpty
	case len(name) > MaxUsernameLen:
		return ErrUsernameTooLong
	}
	u.Username = name
	return nil
}
