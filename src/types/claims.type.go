package types

import "github.com/golang-jwt/jwt/v4"

type Claims struct {
	Role     string `json:"role"`
	VipLevel int    `json:"vip_level,omitempty"`
	jwt.RegisteredClaims
}
