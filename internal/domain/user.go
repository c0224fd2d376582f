package domain

import "time"

// Roles assignable to a user.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User represents a platform account.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash []byte
	Role         string
	CreatedAt    time.Time
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// CanManage reports whether the user may mutate the given site.
func (u User) CanManage(site Site) bool {
	return u.IsAdmin() || site.OwnerID == u.ID
}
