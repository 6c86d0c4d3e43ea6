package models

import (
	"time"
)

// Role identifies what a user may do once authenticated.
type Role int

const (
	RoleAdmin    Role = 1
	RoleEmployee Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleEmployee:
		return "employee"
	}
	return "unknown"
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEmployee:
		return true
	}
	return false
}

type User struct {
	ID           string     `json:"id" dynamodbav:"id"`
	Username     string     `json:"username" dynamodbav:"username"`
	Email        string     `json:"email" dynamodbav:"email"`
	Name         string     `json:"name,omitempty" dynamodbav:"name,omitempty"`
	PasswordHash string     `json:"-" dynamodbav:"password_hash"`
	Role         Role       `json:"role" dynamodbav:"role"`
	BranchID     string     `json:"branch_id,omitempty" dynamodbav:"branch_id,omitempty"`
	IsActive     bool       `json:"is_active" dynamodbav:"is_active"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty" dynamodbav:"deleted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" dynamodbav:"updated_at"`
}

// IsDeleted reports whether the user carries a soft-delete marker.
func (u *User) IsDeleted() bool {
	return u.DeletedAt != nil
}

func (u *User) GetPK() string {
	return "USER#" + u.ID
}

func (u *User) GetSK() string {
	return "METADATA"
}
