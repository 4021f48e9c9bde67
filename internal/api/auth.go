package api

import (
	"context"
	"net/http"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
)

// Claims read from the bearer token. sub is the actor, org the tenant.
const (
	ClaimOrganization = "org"
	ClaimRole         = "role"

	RoleAdmin = "admin"
)

// Principal is the authenticated caller.
type Principal struct {
	ActorID        uuid.UUID
	OrganizationID uuid.UUID
	Role           string
}

type principalKey struct{}

// NewAuth returns the HS256 verifier shared by the gateway routes.
func NewAuth(secret string) *jwtauth.JWTAuth {
	return jwtauth.New("HS256", []byte(secret), nil)
}

// PrincipalFrom returns the caller stored by RequirePrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// RequirePrincipal runs after jwtauth.Verifier and jwtauth.Authenticator and
// turns the claims into a Principal. Tokens without a valid sub or org are
// rejected.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid token", "")
			return
		}

		actorID, err := uuid.Parse(token.Subject())
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "Invalid subject", "sub must be a valid UUID")
			return
		}

		orgClaim, _ := claims[ClaimOrganization].(string)
		orgID, err := uuid.Parse(orgClaim)
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "Invalid organization", "org must be a valid UUID")
			return
		}

		role, _ := claims[ClaimRole].(string)
		p := Principal{ActorID: actorID, OrganizationID: orgID, Role: role}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// RequireAdmin restricts operator routes to the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || p.Role != RoleAdmin {
			writeProblem(w, http.StatusForbidden, "forbidden", "Admin role required", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
