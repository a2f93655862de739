package models

import "time"

// UserRole represents the roles recognised by the billing application.
type UserRole string

const (
	RoleAdmin    UserRole = "Admin"
	RoleOperator UserRole = "Operator"
	RoleViewer   UserRole = "Viewer"
)

// User represents an application user stored in the users table. Rows are
// created by an external provisioning process; the auth core only reads them.
type User struct {
	UserID       int64      `db:"user_id" json:"userId"`
	Username     string     `db:"username" json:"username"`
	PasswordHash string     `db:"password_hash" json:"-"`
	Role         UserRole   `db:"role" json:"role"`
	Email        string     `db:"email" json:"email"`
	Active       bool       `db:"active" json:"active"`
	LastLogin    *time.Time `db:"last_login" json:"lastLogin,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updatedAt"`
}
