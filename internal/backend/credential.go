// internal/backend/credential.go
package backend

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xkilldash9x/probe-cli/internal/reporting"
)

// RoleServiceRole bypasses row level security and must never ship to a browser.
const RoleServiceRole = "service_role"

// Credential is what an API key claims about itself. Nothing here is
// verified; the signing secret lives with the backend.
type Credential struct {
	Role      string
	Ref       string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// InspectCredential decodes the claims of a JWT style API key.
func InspectCredential(key string) (*Credential, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(key, claims); err != nil {
		return nil, fmt.Errorf("api key is not a JWT: %w", err)
	}

	cred := &Credential{}
	cred.Role, _ = claims["role"].(string)
	cred.Ref, _ = claims["ref"].(string)
	cred.Issuer, _ = claims.GetIssuer()
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		cred.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		cred.ExpiresAt = exp.Time
	}
	return cred, nil
}

// Expired reports whether the key carries an expiry before now.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Rows renders the role and expiry checks.
func (c *Credential) Rows(now time.Time) []reporting.Row {
	rows := make([]reporting.Row, 0, 2)

	role := c.Role
	if role == "" {
		role = "(none)"
	}
	if c.Role == RoleServiceRole {
		rows = append(rows, reporting.FailRow("credential role", "not service_role", role,
			"service_role keys bypass row level security; use the anon key"))
	} else {
		rows = append(rows, reporting.PassRow("credential role", "not service_role", role))
	}

	switch {
	case c.ExpiresAt.IsZero():
		rows = append(rows, reporting.PassRow("credential expiry", "not expired", "no expiry"))
	case c.Expired(now):
		rows = append(rows, reporting.FailRow("credential expiry", "not expired", c.ExpiresAt.UTC().Format(time.RFC3339), "key has expired"))
	default:
		rows = append(rows, reporting.PassRow("credential expiry", "not expired", c.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	return rows
}
