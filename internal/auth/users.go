package auth

import (
	"errors"
	"fmt"
	"sync"

	"oidc-server/internal/models"
	"oidc-server/internal/utils"
	"oidc-server/pkg/config"
)

// ErrInvalidCredentials is returned for any failed local login
var ErrInvalidCredentials = errors.New("invalid username or password")

// LocalIdP names sessions established with a local password
const LocalIdP = "local"

// UserDirectory authenticates locally registered resource owners
type UserDirectory struct {
	byUsername map[string]*models.User

	dummyOnce sync.Once
	dummyHash []byte
}

// NewUserDirectory builds the directory from configured users
func NewUserDirectory(users []config.UserConfig) (*UserDirectory, error) {
	d := &UserDirectory{byUsername: make(map[string]*models.User, len(users))}
	for _, uc := range users {
		if uc.Username == "" {
			return nil, errors.New("user username is required")
		}
		if _, dup := d.byUsername[uc.Username]; dup {
			return nil, fmt.Errorf("duplicate user %q", uc.Username)
		}

		hash := []byte(uc.PasswordHash)
		if len(hash) == 0 {
			if uc.Password == "" {
				return nil, fmt.Errorf("user %s: password or password_hash is required", uc.Username)
			}
			var err error
			if hash, err = utils.HashSecret(uc.Password); err != nil {
				return nil, fmt.Errorf("user %s: failed to hash password: %w", uc.Username, err)
			}
		}

		id := uc.ID
		if id == "" {
			id = uc.Username
		}
		d.byUsername[uc.Username] = &models.User{
			ID:           id,
			Username:     uc.Username,
			PasswordHash: hash,
			Claims:       userClaims(uc),
		}
	}
	return d, nil
}

func userClaims(uc config.UserConfig) map[string][]string {
	claims := map[string][]string{
		"preferred_username": {uc.Username},
	}
	set := func(name, v string) {
		if v != "" {
			claims[name] = []string{v}
		}
	}
	set("name", uc.Name)
	set("given_name", uc.GivenName)
	set("family_name", uc.FamilyName)
	set("email", uc.Email)
	if uc.Email != "" {
		claims["email_verified"] = []string{"false"}
	}
	if len(uc.Roles) > 0 {
		claims["role"] = append([]string(nil), uc.Roles...)
	}
	return claims
}

// Authenticate checks a username and password. Unknown users still cost one
// bcrypt comparison so response time does not reveal which usernames exist.
func (d *UserDirectory) Authenticate(username, password string) (*models.User, error) {
	u, ok := d.byUsername[username]
	if !ok {
		utils.ValidateSecret(password, d.dummy())
		return nil, ErrInvalidCredentials
	}
	if !utils.ValidateSecret(password, u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	cp := *u
	return &cp, nil
}

func (d *UserDirectory) dummy() []byte {
	d.dummyOnce.Do(func() {
		d.dummyHash, _ = utils.HashSecret("not-a-real-password")
	})
	return d.dummyHash
}
