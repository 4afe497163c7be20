package middleware

import "strings"

// MaskToken маскирует токен или id сессии в логах.
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return "****"
	}
	return s[:8] + "***"
}
