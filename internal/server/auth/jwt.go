// Package auth issues and verifies the short-lived signed tokens that
// authorise a recovery package download.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wpfleet/mailvault/internal/common"
)

const downloadAudience = "mailvault-recovery-download"

// Claims binds a token to one package and the user who may fetch it.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"uid"`
	ExportID string `json:"eid"`
}

// GenerateToken signs an HS256 token for exportID and userID that expires
// validity after now.
func GenerateToken(exportID, userID string, secretKey []byte, validity time.Duration, now time.Time) (string, error) {
	if len(secretKey) == 0 {
		return "", fmt.Errorf("%w: download token secret is not set", common.ErrConfiguration)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{downloadAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
		UserID:   userID,
		ExportID: exportID,
	})

	return token.SignedString(secretKey)
}

// ParseToken verifies tokenString and returns its claims. An expired token
// yields common.ErrExpired; every other failure yields
// common.ErrAuthentication.
func ParseToken(tokenString string, secretKey []byte, now time.Time) (*Claims, error) {
	if len(secretKey) == 0 {
		return nil, fmt.Errorf("%w: download token secret is not set", common.ErrConfiguration)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(downloadAudience),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrExpired
		}
		return nil, common.ErrAuthentication
	}
	if !token.Valid || claims.ExportID == "" || claims.UserID == "" {
		return nil, common.ErrAuthentication
	}

	return claims, nil
}
