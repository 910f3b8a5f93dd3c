// Package scanner holds the pieces shared by the scanner adapters: target
// validation and the spawn-and-collect process runner.
package scanner

import (
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	domain "github.com/ahrav/websec-armada/internal/domain/scanning"
)

var validate = validator.New()

// ValidateTargets returns a *domain.TargetValidationError listing every URL
// that is empty, relative, or not http/https.
func ValidateTargets(urls []string) error {
	var invalid []string
	for _, u := range urls {
		if !validTarget(u) {
			invalid = append(invalid, u)
		}
	}
	if len(invalid) > 0 {
		return &domain.TargetValidationError{Targets: invalid}
	}
	return nil
}

func validTarget(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	if err := validate.Var(raw, "required,http_url"); err != nil {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}
