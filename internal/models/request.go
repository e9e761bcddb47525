package models

import "time"

// AuthorizationRequest is an in-flight authorize request
type AuthorizationRequest struct {
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	ResponseType        string   `json:"response_type"`
	RequestedScopes     []string `json:"requested_scopes"`
	State               string   `json:"state,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	Prompt              []string `json:"prompt,omitempty"`
	// MaxAge is -1 when absent
	MaxAge int `json:"max_age"`

	// Filled in once the client is validated
	GrantedScopes []string `json:"granted_scopes,omitempty"`
}

// HasPrompt reports whether the prompt parameter contains v
func (r *AuthorizationRequest) HasPrompt(v string) bool {
	for _, p := range r.Prompt {
		if p == v {
			return true
		}
	}
	return false
}

// Interaction is an AuthorizationRequest suspended for login or consent
type Interaction struct {
	ID        string               `json:"id"`
	Request   AuthorizationRequest `json:"request"`
	Stage     string               `json:"stage"`
	SessionID string               `json:"session_id,omitempty"`
	Binding   string               `json:"binding"` // ties the interaction to the browser that started it
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// UpstreamState binds an upstream login attempt to a suspended interaction
type UpstreamState struct {
	Provider      string    `json:"provider"`
	InteractionID string    `json:"interaction_id"`
	Nonce         string    `json:"nonce"`
	CodeVerifier  string    `json:"code_verifier"`
	CreatedAt     time.Time `json:"created_at"`
}
