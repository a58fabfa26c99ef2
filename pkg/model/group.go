package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

const MaxGroupNameLength = 50

var ErrGroupNameEmpty = errors.New("group name must not be empty")
var ErrGroupNameTooLong = fmt.Errorf("group name must not exceed %d characters", MaxGroupNameLength)
var ErrGroupNameInvalidChars = errors.New("group name must contain only alphanumeric characters, underscores, or hyphens")

var groupNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Group represents a named messaging group.
type Group struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateGroupName checks that a group name is 1-50 characters of
// ASCII alphanumerics, underscores, or hyphens.
func ValidateGroupName(name string) error {
	if len(name) == 0 {
		return ErrGroupNameEmpty
	}
	if len(name) > MaxGroupNameLength {
		return ErrGroupNameTooLong
	}
	if !groupNameRe.MatchString(name) {
		return ErrGroupNameInvalidChars
	}
	return nil
}
