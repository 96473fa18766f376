package models

import "time"

type User struct {
	ID        int        `json:"id" example:"1"`                        // User ID
	Email     string     `json:"email" example:"jim@dundermifflin.com"` // User email
	Username  string     `json:"username" example:"jim-halpert"`        // Unique handle, case-sensitive
	Name      string     `json:"name" example:"Jim Halpert"`            // Display name
	Dept      string     `json:"dept" example:"sales"`                  // "management" grants privilege
	Currency  string     `json:"currency" example:"USD"`                // Cosmetic display attribute
	Avatar    string     `json:"avatar,omitempty"`
	Bio       string     `json:"bio,omitempty"`
	Disabled  bool       `json:"disabled"`
	Balance   int64      `json:"balance"` // Current point balance, populated on account reads
	LastLogin *time.Time `json:"last_login,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitzero"`
	UpdatedAt time.Time  `json:"updated_at,omitzero"`
}

// Privileged reports whether the user's account may issue points without
// being debited.
func (u *User) Privileged() bool {
	return u.Dept == "management"
}
