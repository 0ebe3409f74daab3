package model

import "time"

// User is a directory record. Department is whatever the HR directory holds;
// callers canonicalize it before any comparison.
type User struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Role       string     `json:"role"`
	Department string     `json:"department"`
	CreatedAt  time.Time  `json:"created_at"`
	DisabledAt *time.Time `json:"-"`
}

type UserPublic struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Department string `json:"department"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:         u.ID,
		Name:       u.Name,
		Role:       u.Role,
		Department: u.Department,
	}
}
