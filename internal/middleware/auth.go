// Package middleware содержит HTTP middleware сервиса: доступ администратора и
// устройств прохода, сжатие и логирование запросов.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const deviceKey contextKey = "device"

// AdminKeyHeader - заголовок с ключом администратора.
const AdminKeyHeader = "x-admin-key"

const (
	tokenIssuer = "pinkpass"
	roleCheckIn = "checkin"
)

// DeviceClaims - утверждения токена устройства прохода.
type DeviceClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth проверяет ключ администратора и токены устройств прохода.
type AdminAuth struct {
	adminKey  []byte
	secretKey []byte
}

// NewAdminAuth создаёт AdminAuth. Без секрета токенов используется случайный ключ,
// и выданные токены перестают действовать после перезапуска.
func NewAdminAuth(adminKey, tokenSecret string) *AdminAuth {
	key := []byte(tokenSecret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AdminAuth{
		adminKey:  []byte(adminKey),
		secretKey: key,
	}
}

func (a *AdminAuth) validKey(r *http.Request) bool {
	got := r.Header.Get(AdminKeyHeader)
	if len(a.adminKey) == 0 || got == "" {
		return false
	}
	return hmac.Equal([]byte(got), a.adminKey)
}

// RequireAdmin пропускает только запросы с ключом администратора.
func (a *AdminAuth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.validKey(r) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), deviceKey, "admin")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireStaff пропускает запросы с ключом администратора или с токеном устройства прохода.
func (a *AdminAuth) RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.validKey(r) {
			ctx := context.WithValue(r.Context(), deviceKey, "admin")
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		device, err := a.ParseDeviceToken(token)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), deviceKey, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueDeviceToken выдаёт токен устройства прохода со сроком действия ttl.
func (a *AdminAuth) IssueDeviceToken(device string, ttl time.Duration) (string, time.Time, error) {
	device = strings.TrimSpace(device)
	if device == "" {
		return "", time.Time{}, errors.New("device name is required")
	}

	now := time.Now()
	expires := now.Add(ttl)
	claims := DeviceClaims{
		Role: roleCheckIn,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   device,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// ParseDeviceToken проверяет токен и возвращает имя устройства.
func (a *AdminAuth) ParseDeviceToken(token string) (string, error) {
	claims := &DeviceClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Role != roleCheckIn || claims.Subject == "" {
		return "", errors.New("token is not a check-in device token")
	}
	return claims.Subject, nil
}

// DeviceFromContext возвращает имя устройства или "admin" для запросов с ключом администратора.
func DeviceFromContext(ctx context.Context) (string, bool) {
	device, ok := ctx.Value(deviceKey).(string)
	return device, ok
}
