package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleMember        Role = "member"
	RoleAdministrator Role = "administrator"
)

type User struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Name         string          `json:"name"`
	PasswordHash string          `json:"password_hash"`
	Balance      decimal.Decimal `json:"balance"`
	Role         Role            `json:"role"`
	IsNeccMember bool            `json:"is_necc_member"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (u *User) IsAdministrator() bool {
	return u.Role == RoleAdministrator
}
