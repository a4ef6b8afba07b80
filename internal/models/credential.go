package models

import "time"

// SealedCredential is the at-rest form of the delegated OAuth credential.
// AccessToken and RefreshToken hold ciphertext; ExpiresAt always describes
// the stored AccessToken.
type SealedCredential struct {
	Identity     string    `json:"identity"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope"`
	UpdatedAt    time.Time `json:"updated_at"`
}
