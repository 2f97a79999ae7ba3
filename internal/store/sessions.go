package store

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInactive = errors.New("session is inactive")
	ErrCategoryInvalid = errors.New("session category is invalid")
)

const (
	CategoryNominee = "nominee"
	CategoryAdmin   = "admin"
)

const (
	UserTypeNominee              = "nominee"
	UserTypeCircleCommittee      = "circle-committee"
	UserTypeCorporationCommittee = "corporation-committee"
	UserTypeStateCommittee       = "state-committee"
	UserTypeAdmin                = "admin"
)

// SessionRecord is the unit of admission control. At most one record per
// category may be active and unexpired at any instant; an expired record is
// treated as absent on every read path even before the reaper removes it.
type SessionRecord struct {
	SessionID    string
	UserID       string
	UserType     string
	UserCategory string
	UserName     string
	LoginTime    time.Time
	LastActivity time.Time
	IPAddress    string
	UserAgent    string
	IsActive     bool
	ExpiresAt    time.Time
}

// Live reports whether the record counts as occupying its category at the
// given instant.
func (r *SessionRecord) Live(asOf time.Time) bool {
	return r.IsActive && r.ExpiresAt.After(asOf)
}

// NormalizeCategory validates and canonicalizes an admission category.
func NormalizeCategory(category string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case CategoryNominee:
		return CategoryNominee, nil
	case CategoryAdmin:
		return CategoryAdmin, nil
	default:
		return "", ErrCategoryInvalid
	}
}

// CategoryForUserType collapses a fine-grained role into its admission
// category: every committee role shares the admin seat, nominees keep their
// own.
func CategoryForUserType(userType string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(userType)) {
	case UserTypeNominee:
		return CategoryNominee, nil
	case UserTypeCircleCommittee, UserTypeCorporationCommittee, UserTypeStateCommittee, UserTypeAdmin:
		return CategoryAdmin, nil
	default:
		return "", ErrCategoryInvalid
	}
}

// Categories lists the admission partitions in display order.
func Categories() []string {
	return []string{CategoryNominee, CategoryAdmin}
}
