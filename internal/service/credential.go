package service

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// credentialExpired сообщает, истёк ли срок токена по клейму exp.
// Подпись не проверяется: токен проверяет backend, клиенту нужен только срок,
// чтобы не активировать заведомо просроченную сохранённую учётную запись.
// Непрозрачные (не JWT) токены и токены без exp считаются действительными.
func credentialExpired(token string, now time.Time) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(claims.ExpiresAt.Time)
}
