package services

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"nps-dashboard-server/config"
	"nps-dashboard-server/logger"
	"nps-dashboard-server/types"
	"nps-dashboard-server/utils"
)

const tokenIssuer = "nps-dashboard-server"

// AuthService checks dashboard credentials and issues JWT access tokens.
type AuthService struct {
	username     string
	passwordHash string
	secret       []byte
	expiry       time.Duration
	clock        Clock
	log          *logger.Logger
}

// TokenResponse is returned by a successful login.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// NewAuthService creates an auth service. A nil clock uses the wall clock.
func NewAuthService(cfg config.AuthConfig, clock Clock, log *logger.Logger) *AuthService {
	if clock == nil {
		clock = SystemClock{}
	}
	hours := cfg.ExpiryHours
	if hours <= 0 {
		hours = 24
	}
	return &AuthService{
		username:     cfg.Username,
		passwordHash: cfg.PasswordHash,
		secret:       []byte(cfg.JWTSecret),
		expiry:       time.Duration(hours) * time.Hour,
		clock:        clock,
		log:          log.With("service", "AuthService"),
	}
}

// Login verifies the credentials against the configured bcrypt hash.
func (s *AuthService) Login(username, password string) (*TokenResponse, error) {
	if s.passwordHash == "" {
		s.log.Warn("login attempted but no dashboard password is configured")
		return nil, ErrInvalidCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	passOK := utils.CheckPasswordHash(password, s.passwordHash)
	if !userOK || !passOK {
		return nil, ErrInvalidCredentials
	}

	token, err := s.GenerateToken(username)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken: token,
		ExpiresIn:   int64(s.expiry.Seconds()),
		TokenType:   "Bearer",
	}, nil
}

// GenerateToken signs an HS256 access token for username.
func (s *AuthService) GenerateToken(username string) (string, error) {
	now := s.clock.Now()
	claims := &types.Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken parses an access token and returns its claims.
func (s *AuthService) ValidateToken(tokenString string) (*types.Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &types.Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*types.Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
