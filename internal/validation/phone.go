// Package validation содержит функции валидации и нормализации входных данных покупателя.
package validation

import (
	"net/mail"
	"strings"
	"unicode"
)

// NormalizePhone оставляет только цифры и приводит номер к 10 цифрам индийского мобильного номера.
// Код страны 91 и ведущий ноль отбрасываются.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, ch := range phone {
		if unicode.IsDigit(ch) && ch < unicode.MaxASCII {
			b.WriteRune(ch)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, "91"):
		digits = digits[2:]
	case len(digits) == 11 && strings.HasPrefix(digits, "0"):
		digits = digits[1:]
	}
	return digits
}

// IsValidMobile проверяет, что номер состоит из 10 цифр и начинается с 6-9.
func IsValidMobile(phone string) bool {
	if len(phone) != 10 {
		return false
	}
	if phone[0] < '6' || phone[0] > '9' {
		return false
	}
	for i := 1; i < len(phone); i++ {
		if phone[i] < '0' || phone[i] > '9' {
			return false
		}
	}
	return true
}

// NormalizeEmail приводит адрес к нижнему регистру и проверяет его формат.
func NormalizeEmail(email string) (string, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", false
	}
	if !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return "", false
	}
	return email, true
}
