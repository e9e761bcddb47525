package models

import "time"

// User is a locally registered resource owner
type User struct {
	ID           string              `json:"id"`
	Username     string              `json:"username"`
	PasswordHash []byte              `json:"-"`
	Claims       map[string][]string `json:"claims,omitempty"`
}

// Profile is the claim set stored for a subject, used by userinfo
type Profile struct {
	SubjectID string              `json:"sub"`
	IdP       string              `json:"idp,omitempty"`
	Claims    map[string][]string `json:"claims"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Session is an authenticated resource owner's login state
type Session struct {
	ID        string              `json:"id"`
	SubjectID string              `json:"subject_id"`
	AuthTime  time.Time           `json:"auth_time"`
	IdP       string              `json:"idp,omitempty"`
	Claims    map[string][]string `json:"claims,omitempty"`
	LastSeen  time.Time           `json:"last_seen"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// Consent is the scope set a subject approved for a client
type Consent struct {
	SubjectID string    `json:"subject_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	GrantedAt time.Time `json:"granted_at"`
}

// Covers reports whether every scope in requested was previously approved
func (c *Consent) Covers(requested []string) bool {
	approved := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		approved[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := approved[s]; !ok {
			return false
		}
	}
	return true
}
