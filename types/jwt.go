package types

import "github.com/golang-jwt/jwt/v5"

// Claims are the JWT claims of a dashboard session.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}
