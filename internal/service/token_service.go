package service

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/auth-session-api/internal/models"
	appErrors "github.com/noah-isme/auth-session-api/pkg/errors"
)

var signingMethod = jwt.SigningMethodHS512

// TokenConfig holds signing secrets and lifetimes. Access and refresh tokens never share a secret.
type TokenConfig struct {
	Issuer        string
	AccessSecret  string
	AccessExpiry  time.Duration
	RefreshSecret string
	RefreshExpiry time.Duration
}

// TokenService signs and verifies access and refresh tokens. It holds no state besides its config.
type TokenService struct {
	config TokenConfig
	now    func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(config TokenConfig) *TokenService {
	return &TokenService{config: config, now: time.Now}
}

// RefreshExpiry is the lifetime of issued refresh tokens.
func (s *TokenService) RefreshExpiry() time.Duration {
	return s.config.RefreshExpiry
}

// IssueAccess signs an access token for the user.
func (s *TokenService) IssueAccess(userID, email string) (string, error) {
	claims := &models.AccessClaims{
		UserID:           userID,
		Email:            email,
		RegisteredClaims: s.registered(userID, s.config.AccessExpiry),
	}
	return jwt.NewWithClaims(signingMethod, claims).SignedString([]byte(s.config.AccessSecret))
}

// IssueRefresh signs a refresh token bound to sessionID.
func (s *TokenService) IssueRefresh(userID, email, sessionID string) (string, error) {
	claims := &models.RefreshClaims{
		UserID:           userID,
		Email:            email,
		SessionID:        sessionID,
		RegisteredClaims: s.registered(userID, s.config.RefreshExpiry),
	}
	return jwt.NewWithClaims(signingMethod, claims).SignedString([]byte(s.config.RefreshSecret))
}

// IssuePair signs a fresh access and refresh token for user within sessionID.
func (s *TokenService) IssuePair(user *models.User, sessionID string) (*models.TokenPair, error) {
	access, err := s.IssueAccess(user.ID, user.Email)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}
	refresh, err := s.IssueRefresh(user.ID, user.Email, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}
	return &models.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// VerifyAccess validates signature and expiry of an access token. Every failure is ErrInvalidToken.
func (s *TokenService) VerifyAccess(tokenString string) (*models.AccessClaims, error) {
	claims := &models.AccessClaims{}
	if err := s.parse(tokenString, claims, s.config.AccessSecret); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, invalidToken(errors.New("missing user id"))
	}
	return claims, nil
}

// VerifyRefresh validates signature and expiry of a refresh token. Every failure is ErrInvalidToken.
func (s *TokenService) VerifyRefresh(tokenString string) (*models.RefreshClaims, error) {
	claims := &models.RefreshClaims{}
	if err := s.parse(tokenString, claims, s.config.RefreshSecret); err != nil {
		return nil, err
	}
	if claims.UserID == "" || claims.SessionID == "" {
		return nil, invalidToken(errors.New("missing user or session id"))
	}
	return claims, nil
}

func (s *TokenService) parse(tokenString string, claims jwt.Claims, secret string) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return invalidToken(err)
	}
	if !token.Valid {
		return invalidToken(errors.New("token not valid"))
	}
	return nil
}

// registered builds the standard claims. The random jti keeps two tokens minted in the same
// second for the same session distinct, so their hashes never collide.
func (s *TokenService) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	issuedAt := s.now().UTC()
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    s.config.Issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
	}
}

func invalidToken(err error) error {
	return appErrors.Wrap(err, appErrors.ErrInvalidToken.Code, appErrors.ErrInvalidToken.Status, appErrors.ErrInvalidToken.Message)
}

// HashToken returns the hex SHA-256 of a raw token. Only this digest is ever persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
