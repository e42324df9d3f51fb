package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"doubleu/internal/models"
)

func newPlaidProvider(baseURL string) *PlaidProvider {
	return NewPlaidProvider(PlaidConfig{
		ClientID: "client-id",
		Secret:   "secret",
		BaseURL:  baseURL,
		Region:   "us",
	})
}

func plaidTestItem() *models.ExternalItem {
	return &models.ExternalItem{
		ID:          "item-1",
		Provider:    "plaid_us",
		ExternalID:  "plaid-item-1",
		AccessToken: "access-token-1",
	}
}

func decodePlaidBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decoding request body: %v", err)
	}
	if body["client_id"] != "client-id" || body["secret"] != "secret" {
		t.Errorf("request body missing credentials: %v", body)
	}
	return body
}

// The sync endpoint pages until has_more is false; added, modified, and
// removed entries accumulate across pages and the final cursor wins.
func TestPlaid_GetTransactionsCursorLoop(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transactions/sync" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body := decodePlaidBody(t, r)
		if body["access_token"] != "access-token-1" {
			t.Errorf("access_token = %v", body["access_token"])
		}

		calls++
		switch calls {
		case 1:
			if _, ok := body["cursor"]; ok {
				t.Errorf("first page sent a cursor: %v", body["cursor"])
			}
			json.NewEncoder(w).Encode(map[string]any{
				"added": []map[string]any{
					{"transaction_id": "p1", "account_id": "acc-1", "amount": 12.5, "date": "2025-06-10", "name": "Coffee"},
				},
				"modified":    []map[string]any{},
				"removed":     []map[string]any{},
				"next_cursor": "cursor-1",
				"has_more":    true,
			})
		default:
			if body["cursor"] != "cursor-1" {
				t.Errorf("second page cursor = %v, want cursor-1", body["cursor"])
			}
			json.NewEncoder(w).Encode(map[string]any{
				"added": []map[string]any{
					{"transaction_id": "p2", "account_id": "acc-1", "amount": -40, "date": "2025-06-11", "name": "Refund"},
				},
				"modified": []map[string]any{
					{"transaction_id": "p1", "account_id": "acc-1", "amount": 13.0, "date": "2025-06-10", "name": "Coffee"},
				},
				"removed": []map[string]any{
					{"transaction_id": "p0"},
				},
				"next_cursor": "cursor-2",
				"has_more":    false,
			})
		}
	}))
	defer server.Close()

	provider := newPlaidProvider(server.URL)

	sync, err := provider.GetTransactions(context.Background(), plaidTestItem(), "acc-1", "")
	if err != nil {
		t.Fatalf("GetTransactions() error: %v", err)
	}

	if calls != 2 {
		t.Errorf("made %d sync calls, want 2", calls)
	}
	if sync.NextCursor != "cursor-2" {
		t.Errorf("NextCursor = %q, want cursor-2", sync.NextCursor)
	}
	if len(sync.Payload.Added) != 2 || len(sync.Payload.Modified) != 1 || len(sync.Payload.Removed) != 1 {
		t.Fatalf("payload = %d added, %d modified, %d removed",
			len(sync.Payload.Added), len(sync.Payload.Modified), len(sync.Payload.Removed))
	}
	// Amounts pass through: this source already reports positive = debit.
	if sync.Payload.Added[0].Amount != 12.5 || sync.Payload.Added[1].Amount != -40 {
		t.Errorf("amounts altered: %+v", sync.Payload.Added)
	}
	if sync.Payload.Removed[0].TransactionID != "p0" {
		t.Errorf("removed = %+v", sync.Payload.Removed)
	}
}

func TestPlaid_LoginRequiredSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error_type":    "ITEM_ERROR",
			"error_code":    "ITEM_LOGIN_REQUIRED",
			"error_message": "the login details of this item have changed",
		})
	}))
	defer server.Close()

	provider := newPlaidProvider(server.URL)

	_, err := provider.GetItemAccounts(context.Background(), plaidTestItem())
	if !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("GetItemAccounts() = %v, want ErrLoginRequired", err)
	}
}

func TestPlaid_InvestmentsAbsenceIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error_type":    "INVALID_INPUT",
			"error_code":    "NO_INVESTMENT_ACCOUNTS",
			"error_message": "no investment accounts",
		})
	}))
	defer server.Close()

	provider := newPlaidProvider(server.URL)

	payload, err := provider.GetItemInvestments(context.Background(), plaidTestItem(), "acc-1")
	if err != nil {
		t.Fatalf("GetItemInvestments() error: %v", err)
	}
	if payload != nil {
		t.Errorf("GetItemInvestments() = %+v, want nil for absent product", payload)
	}
}

func TestPlaid_LiabilitiesAbsenceIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error_code":    "NO_LIABILITY_ACCOUNTS",
			"error_message": "no liability accounts",
		})
	}))
	defer server.Close()

	provider := newPlaidProvider(server.URL)

	payload, err := provider.GetItemLiabilities(context.Background(), plaidTestItem(), "acc-1")
	if err != nil || payload != nil {
		t.Fatalf("GetItemLiabilities() = %v, %v, want nil, nil", payload, err)
	}
}

func TestPlaid_GetInstitutionUsesRegionCountries(t *testing.T) {
	var countries []any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodePlaidBody(t, r)
		countries = body["country_codes"].([]any)
		json.NewEncoder(w).Encode(map[string]any{
			"institution": map[string]any{
				"institution_id": "ins_1",
				"name":           "Chase",
				"url":            "https://chase.com",
				"primary_color":  "#005eb8",
			},
		})
	}))
	defer server.Close()

	provider := newPlaidProvider(server.URL)

	data, err := provider.GetInstitution(context.Background(), "ins_1")
	if err != nil {
		t.Fatalf("GetInstitution() error: %v", err)
	}
	if data.Payload.Name != "Chase" || data.Payload.InstitutionID != "ins_1" {
		t.Errorf("payload = %+v", data.Payload)
	}
	if len(countries) != 2 || countries[0] != "US" {
		t.Errorf("country_codes = %v, want the us region set", countries)
	}

	eu := NewPlaidProvider(PlaidConfig{Region: "eu"})
	if got := eu.countryCodes(); len(got) != 5 || got[0] != "ES" {
		t.Errorf("eu countryCodes() = %v", got)
	}
}

func TestPlaid_GetItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"item": map[string]any{
				"item_id":            "plaid-item-1",
				"institution_id":     "ins_1",
				"available_products": []string{"investments"},
				"billed_products":    []string{"transactions"},
			},
		})
	}))
	defer server.Close()

	provider := newPlaidProvider(server.URL)

	data, err := provider.GetItem(context.Background(), plaidTestItem())
	if err != nil {
		t.Fatalf("GetItem() error: %v", err)
	}
	if data.InstitutionID != "ins_1" {
		t.Errorf("InstitutionID = %q", data.InstitutionID)
	}
	if len(data.Payload.AvailableProducts) != 1 || len(data.Payload.BilledProducts) != 1 {
		t.Errorf("payload = %+v", data.Payload)
	}
	if len(data.Raw) == 0 {
		t.Error("raw snapshot not captured")
	}
}
