package auth

import (
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/mindgauge/backend/internal/domain"
)

// bcrypt cost stays at the library default; raising it is a deploy-time
// decision, not a code change.
const passwordHashCost = bcrypt.DefaultCost

// Throwaway mail providers rejected at registration.
var disposableDomains = map[string]struct{}{
	"mailinator.com":    {},
	"guerrillamail.com": {},
	"10minutemail.com":  {},
	"tempmail.com":      {},
	"temp-mail.org":     {},
	"yopmail.com":       {},
	"trashmail.com":     {},
	"sharklasers.com":   {},
	"throwaway.email":   {},
	"getnada.com":       {},
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	if err != nil {
		return "", domain.Internal(err)
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePassword enforces the registration policy: 8..128 characters
// with at least one letter and one digit.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return domain.Validation(domain.KeyWeakPassword, "password must be at least 8 characters").WithStatus(422)
	}
	if len(password) > 128 {
		return domain.Validation(domain.KeyWeakPassword, "password must be at most 128 characters").WithStatus(422)
	}
	var hasLetter, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return domain.Validation(domain.KeyWeakPassword, "password must contain a letter and a digit").WithStatus(422)
	}
	return nil
}

// ValidateEmail checks shape and rejects disposable domains.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return domain.Validation(domain.KeyInvalidEmail, "invalid email address")
	}
	dom := strings.ToLower(email[at+1:])
	if !strings.Contains(dom, ".") {
		return domain.Validation(domain.KeyInvalidEmail, "invalid email address")
	}
	if _, bad := disposableDomains[dom]; bad {
		return domain.Validation(domain.KeyDisposableEmail, "disposable email domains are not accepted").WithStatus(422)
	}
	return nil
}
