package services

import (
	"errors"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid resume token")
	ErrExpiredToken = errors.New("resume token expired")
)

type resumeClaims struct {
	jwt.RegisteredClaims
}

type tokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService signs tokens with HS256. now may be nil.
func NewTokenService(secret string, ttl time.Duration, now func() time.Time) ports.TokenService {
	if now == nil {
		now = time.Now
	}
	return &tokenService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    now,
	}
}

func (s *tokenService) Issue(id domain.ParticipantID) (string, error) {
	issued := s.now()
	claims := &resumeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			ExpiresAt: jwt.NewNumericDate(issued.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *tokenService) Validate(tokenString string) (domain.ParticipantID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &resumeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*resumeClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return domain.ParticipantID(claims.Subject), nil
}
