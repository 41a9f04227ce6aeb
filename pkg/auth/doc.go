// Package auth provides the identity types and error channel shared by the
// authorization layer.
//
// # Overview
//
// Identities are asserted by an external identity provider as HS256 access
// tokens. TokenVerifier turns a bearer token into a User; the HTTP
// middleware stores it in an AuthContext together with the organization
// hint from the x-organization-id header.
//
//	verifier, _ := auth.NewTokenVerifier(secret, issuer, "authenticated")
//	user, err := verifier.Verify(bearer)
//
// # Errors
//
// Authorization failures are values, not panics:
//
//	*auth.AuthError        no identity          → 401
//	*auth.PermissionError  insufficient access  → 403
//
// httputil.WriteAuthzError maps them to responses.
//
// # Verification tokens
//
// GenerateVerificationToken returns a random token plus its SHA256 hash.
// Only the hash is stored; TokenMatchesHash compares in constant time.
package auth
