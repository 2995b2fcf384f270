package models

import "github.com/golang-jwt/jwt/v5"

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=64"`
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8,max=64"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// TokenPair is an access token together with the refresh token of the same session.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"-"`
}

// AccessTokenResponse is the body returned by login and refresh; the refresh token travels only in a cookie.
type AccessTokenResponse struct {
	AccessToken string `json:"accessToken"`
}

// AccessClaims is the payload of short-lived access tokens.
type AccessClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of refresh tokens; SessionID binds the token to its session row.
type RefreshClaims struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}
