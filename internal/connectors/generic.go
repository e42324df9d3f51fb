package connectors

import (
	"context"
	"encoding/json"

	"doubleu/internal/models"
)

// GenericConnector is the registry fallback for catalog banks without a
// dedicated implementation. Credential validation still runs against the
// declared schema so the form behaves; every upstream operation fails with
// a clear connection error instead of reaching a backend we cannot speak to.
type GenericConnector struct {
	provider *models.BankProvider
}

// NewGenericConnector builds the fallback connector.
func NewGenericConnector(provider *models.BankProvider) *GenericConnector {
	return &GenericConnector{provider: provider}
}

func (c *GenericConnector) Authenticate(ctx context.Context, creds Credentials, sessionToken json.RawMessage) (*AuthResult, error) {
	if err := ValidateCredentials(c.provider, creds); err != nil {
		return nil, err
	}
	return nil, c.unsupported()
}

func (c *GenericConnector) VerifyMFA(ctx context.Context, sessionToken json.RawMessage, creds Credentials, code string) (*AuthResult, error) {
	return nil, c.unsupported()
}

func (c *GenericConnector) FetchAccounts(ctx context.Context, sessionToken json.RawMessage) ([]RawAccount, error) {
	return nil, c.unsupported()
}

func (c *GenericConnector) FetchTransactions(ctx context.Context, sessionToken json.RawMessage, accountID string, opts FetchOptions) ([]RawTransaction, error) {
	return nil, c.unsupported()
}

func (c *GenericConnector) Disconnect(ctx context.Context, sessionToken json.RawMessage) error {
	return nil
}

func (c *GenericConnector) unsupported() error {
	return connError("no connector implemented for bank %q", c.provider.BankID)
}

var _ Connector = (*GenericConnector)(nil)
