package models

// BankProvider is a static catalog entry describing one directly-connected
// bank: display metadata, the credential/MFA form schema the UI renders, and
// the connection config the connector needs. Rows are seeded and read-only at
// runtime.
type BankProvider struct {
	ID           int64  `json:"id"`
	BankID       string `json:"bankId"` // registry key, e.g. "zenith"
	Name         string `json:"name"`
	DisplayName  string `json:"displayName"`
	CountryCode  string `json:"countryCode"` // ISO 3166-1 alpha-2
	Website      string `json:"website"`
	PrimaryColor string `json:"primaryColor"`
	LogoURL      string `json:"logoUrl"`
	Active       bool   `json:"active"`

	CredentialFields []CredentialField `json:"credentialFields"`
	MFAFields        []MFAField        `json:"mfaFields"`
	ConnectionConfig ConnectionConfig  `json:"connectionConfig"`
}

// ConnectionConfig carries per-bank transport settings. Header names and
// values are part of each bank's contract and must be reproduced exactly.
type ConnectionConfig struct {
	BaseURL string            `json:"baseUrl"`
	Headers map[string]string `json:"headers"`
}

// FieldValidation is a declarative rule attached to a credential field.
// Type is "regex" (Pattern set) or "length" (Min/Max set, Max 0 = unbounded).
type FieldValidation struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern,omitempty"`
	Min     int    `json:"min,omitempty"`
	Max     int    `json:"max,omitempty"`
}

// FieldOption is one choice in a select-type credential field.
type FieldOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// CredentialField describes one input in a provider's authentication form.
type CredentialField struct {
	Name        string           `json:"name"`
	Label       string           `json:"label"`
	Type        string           `json:"type"` // text, password, select
	Required    bool             `json:"required"`
	Placeholder string           `json:"placeholder,omitempty"`
	HelpText    string           `json:"helpText,omitempty"`
	Options     []FieldOption    `json:"options,omitempty"`
	Validation  *FieldValidation `json:"validation,omitempty"`
}

// IsSelect reports whether the field renders as a select with options.
func (f CredentialField) IsSelect() bool {
	return f.Type == "select" && len(f.Options) > 0
}

// IsPassword reports whether the field holds a secret.
func (f CredentialField) IsPassword() bool {
	return f.Type == "password"
}

// MFAField is the reduced schema variant used for verification forms.
type MFAField struct {
	Name        string           `json:"name"`
	Label       string           `json:"label"`
	Type        string           `json:"type"`
	Placeholder string           `json:"placeholder,omitempty"`
	HelpText    string           `json:"helpText,omitempty"`
	Validation  *FieldValidation `json:"validation,omitempty"`
}
