package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"checkout-service/internal/apperr"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Principal is the authenticated caller. The service layer only ever
// authorizes with role + ownership; authentication happens upstream.
type Principal struct {
	UserID uuid.UUID
	Role   Role
}

// IsAdmin reports whether the principal has administrative privilege.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Owns reports whether the principal owns the given user-scoped resource
// or may access it as an admin.
func (p Principal) Owns(userID uuid.UUID) bool {
	return p.UserID == userID || p.IsAdmin()
}

// FromClaims builds a Principal from verified JWT claims. The subject is
// the user id, the "role" claim carries the role and defaults to customer.
func FromClaims(claims jwt.MapClaims) (Principal, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, apperr.New(apperr.KindValidation, "token has no subject")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return Principal{}, apperr.New(apperr.KindValidation, "token subject is not a valid user id")
	}
	role := RoleCustomer
	if r, ok := claims["role"].(string); ok && r == string(RoleAdmin) {
		role = RoleAdmin
	}
	return Principal{UserID: userID, Role: role}, nil
}
