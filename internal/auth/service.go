package auth

import (
	"errors"
	"strings"
	"time"

	"lv-paperdesk/internal/clock"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrOperatorDisabled = errors.New("operator access is not configured")
	ErrInvalidOperator  = errors.New("invalid operator password")
)

// Service issues and verifies API bearer tokens and checks the operator
// password that guards emergency routes.
type Service struct {
	issuer       string
	secret       []byte
	ttl          time.Duration
	operatorHash []byte
	clock        clock.Clock
}

func NewService(issuer string, secret []byte, ttl time.Duration, operatorHash string, clk clock.Clock) *Service {
	return &Service{
		issuer:       issuer,
		secret:       secret,
		ttl:          ttl,
		operatorHash: []byte(strings.TrimSpace(operatorHash)),
		clock:        clk,
	}
}

func (s *Service) SignToken(userID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("user_id required")
	}
	now := s.clock.Now()
	exp := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseToken returns the user id carried by a valid token.
func (s *Service) ParseToken(tokenStr string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func (s *Service) OperatorEnabled() bool {
	return len(s.operatorHash) > 0
}

func (s *Service) CheckOperator(password string) error {
	if !s.OperatorEnabled() {
		return ErrOperatorDisabled
	}
	if password == "" {
		return ErrInvalidOperator
	}
	if err := bcrypt.CompareHashAndPassword(s.operatorHash, []byte(password)); err != nil {
		return ErrInvalidOperator
	}
	return nil
}
