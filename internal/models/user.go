package models

import "time"

// User roles.
const (
	RoleAdmin     = "admin"
	RoleSecretary = "secretary"
	RoleStudent   = "student"
)

type User struct {
	ID              string    `db:"id" json:"id"`
	EstablishmentID *string   `db:"establishment_id" json:"establishment_id,omitempty"`
	Email           string    `db:"email" json:"email"`
	FullName        string    `db:"full_name" json:"full_name"`
	Phone           string    `db:"phone" json:"phone"`
	PasswordHash    string    `db:"password_hash" json:"-"`
	Role            string    `db:"role" json:"role"`
	IsActive        bool      `db:"is_active" json:"is_active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Establishment is the tenant. Every import entity carries its id;
// cross-tenant references are rejected at every boundary.
type Establishment struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Name      string    `db:"name" json:"name"`
	Slug      string    `db:"slug" json:"slug"`
	Type      string    `db:"type" json:"type"`
	Country   string    `db:"country" json:"country"`
	Contact   string    `db:"contact" json:"contact"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
