package domain

import "time"

// Role is the coarse permission level assigned to a user account.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleUser     Role = "user"
	RoleReadonly Role = "readonly"
)

// Capability is the permission an operation requires. API key scopes use
// the same vocabulary.
type Capability string

const (
	CapabilityRead  Capability = "read"
	CapabilityWrite Capability = "write"
	CapabilityAdmin Capability = "admin"
)

// Capabilities returns the capability set granted by a role.
// Admin implies everything; plain users can read and write; readonly
// accounts can only read.
func (r Role) Capabilities() []Capability {
	switch r {
	case RoleAdmin:
		return []Capability{CapabilityRead, CapabilityWrite, CapabilityAdmin}
	case RoleUser:
		return []Capability{CapabilityRead, CapabilityWrite}
	case RoleReadonly:
		return []Capability{CapabilityRead}
	default:
		return nil
	}
}

// Identity is the resolved principal behind a credential. Read-only to the
// admission controller.
type Identity struct {
	Subject string // "user:<id>" or "api_key:<key_id>"
	Role    Role
	Scopes  []Capability
	Active  bool

	// Per-identity rate limit override. Zero means the configured default.
	RateLimit  int
	RateWindow time.Duration
}

// AuthContext is the immutable authentication context attached to an
// admitted call for downstream use.
type AuthContext struct {
	Subject  string       `json:"subject"`
	Role     Role         `json:"role"`
	Scopes   []Capability `json:"scopes"`
	AuthType string       `json:"auth_type"` // "jwt" | "api_key"
}

// HasCapability reports whether the context grants the capability.
// Admin scope implies every capability.
func (a AuthContext) HasCapability(c Capability) bool {
	for _, s := range a.Scopes {
		if s == CapabilityAdmin || s == c {
			return true
		}
	}
	return false
}
