package connectors

import (
	"fmt"
	"regexp"
	"strings"

	"doubleu/internal/models"
)

// ValidateCredentials checks creds against the provider's declared field
// schema: required presence plus any regex or length rule. All field errors
// are accumulated; a nil return means the mapping passed.
func ValidateCredentials(provider *models.BankProvider, creds Credentials) error {
	fieldErrors := map[string]string{}

	for _, field := range provider.CredentialFields {
		value := strings.TrimSpace(creds[field.Name])

		if field.Required && value == "" {
			fieldErrors[field.Name] = fmt.Sprintf("%s is required", field.Label)
			continue
		}

		if value != "" && field.Validation != nil && !validateField(value, field.Validation) {
			fieldErrors[field.Name] = fmt.Sprintf("invalid %s", strings.ToLower(field.Label))
		}
	}

	if len(fieldErrors) > 0 {
		return &ValidationError{Fields: fieldErrors}
	}
	return nil
}

// SanitizeCredentials returns a mapping restricted to the provider's
// declared fields, dropping anything extraneous the caller submitted.
func SanitizeCredentials(provider *models.BankProvider, creds Credentials) Credentials {
	sanitized := make(Credentials, len(provider.CredentialFields))
	for _, field := range provider.CredentialFields {
		if value, ok := creds[field.Name]; ok {
			sanitized[field.Name] = value
		}
	}
	return sanitized
}

func validateField(value string, rule *models.FieldValidation) bool {
	switch rule.Type {
	case "regex":
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			// A broken catalog pattern must not let bad input through.
			return false
		}
		return re.MatchString(value)
	case "length":
		if len(value) < rule.Min {
			return false
		}
		if rule.Max > 0 && len(value) > rule.Max {
			return false
		}
		return true
	default:
		return true
	}
}
