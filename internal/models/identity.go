package models

// Identity is the authenticated principal forwarded by the auth proxy.
// Email is the opaque identity used for lock ownership and permission
// checks; Name is informational only.
type Identity struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}
