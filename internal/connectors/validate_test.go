package connectors

import (
	"errors"
	"strings"
	"testing"

	"doubleu/internal/models"
)

func testProvider() *models.BankProvider {
	return &models.BankProvider{
		BankID:      "zenith",
		Name:        "Zenith Bank",
		CountryCode: "NG",
		CredentialFields: []models.CredentialField{
			{
				Name:       "login_id",
				Label:      "Login ID",
				Type:       "text",
				Required:   true,
				Validation: &models.FieldValidation{Type: "regex", Pattern: `^[0-9]{10}$`},
			},
			{
				Name:       "password",
				Label:      "Password",
				Type:       "password",
				Required:   true,
				Validation: &models.FieldValidation{Type: "length", Min: 4, Max: 12},
			},
			{
				Name:  "alias",
				Label: "Alias",
				Type:  "text",
			},
		},
	}
}

func TestValidateCredentials_Passes(t *testing.T) {
	err := ValidateCredentials(testProvider(), Credentials{
		"login_id": "0123456789",
		"password": "s3cret",
	})
	if err != nil {
		t.Fatalf("ValidateCredentials() = %v, want nil", err)
	}
}

func TestValidateCredentials_MissingRequiredNamesField(t *testing.T) {
	err := ValidateCredentials(testProvider(), Credentials{"login_id": "0123456789"})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ValidateCredentials() = %T, want *ValidationError", err)
	}
	if _, ok := verr.Fields["password"]; !ok {
		t.Errorf("missing field error for password, got %v", verr.Fields)
	}
	if !strings.Contains(verr.Error(), "Password is required") {
		t.Errorf("error message %q does not name the field label", verr.Error())
	}
}

func TestValidateCredentials_AccumulatesAllFieldErrors(t *testing.T) {
	err := ValidateCredentials(testProvider(), Credentials{
		"login_id": "not-a-number",
		"password": "abc", // below min length
	})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ValidateCredentials() = %T, want *ValidationError", err)
	}
	if len(verr.Fields) != 2 {
		t.Errorf("accumulated %d field errors, want 2: %v", len(verr.Fields), verr.Fields)
	}
}

func TestValidateCredentials_LengthBounds(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"at min", "abcd", false},
		{"at max", "abcdefghijkl", false},
		{"below min", "abc", true},
		{"above max", "abcdefghijklm", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCredentials(testProvider(), Credentials{
				"login_id": "0123456789",
				"password": tt.password,
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("password %q: err = %v, wantErr = %v", tt.password, err, tt.wantErr)
			}
		})
	}
}

func TestValidateCredentials_OptionalFieldSkipsWhenBlank(t *testing.T) {
	provider := testProvider()
	provider.CredentialFields[2].Validation = &models.FieldValidation{Type: "length", Min: 3}

	err := ValidateCredentials(provider, Credentials{
		"login_id": "0123456789",
		"password": "s3cret",
	})
	if err != nil {
		t.Errorf("blank optional field should not be validated, got %v", err)
	}
}

func TestSanitizeCredentials_StripsExtraneousFields(t *testing.T) {
	sanitized := SanitizeCredentials(testProvider(), Credentials{
		"login_id":  "0123456789",
		"password":  "s3cret",
		"csrf":      "junk",
		"utm_medium": "email",
	})

	if len(sanitized) != 2 {
		t.Errorf("sanitized has %d fields, want 2: %v", len(sanitized), sanitized)
	}
	if _, ok := sanitized["csrf"]; ok {
		t.Error("sanitized mapping kept an undeclared field")
	}
}
