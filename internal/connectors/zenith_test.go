package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"doubleu/internal/infrastructure/bankcipher"
)

const (
	testZenithSalt = "9f86d081884c7d65"
	testZenithIV   = "000102030405060708090a0b0c0d0e0f"
)

// zenithDecryptRequest derives the device key from the request's deviceId
// header and decrypts the marker body into a field map.
func zenithDecryptRequest(t *testing.T, r *http.Request) map[string]string {
	t.Helper()

	deviceID := r.Header.Get("deviceId")
	if deviceID == "" {
		t.Fatal("request is missing the deviceId header")
	}
	key, err := bankcipher.PBKDF2Key(deviceID, testZenithSalt)
	if err != nil {
		t.Fatalf("deriving key: %v", err)
	}
	iv, err := bankcipher.DecodeIV(testZenithIV)
	if err != nil {
		t.Fatalf("decoding iv: %v", err)
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	plain, err := bankcipher.DecryptCBC(string(raw), key, iv)
	if err != nil {
		t.Fatalf("decrypting request body: %v", err)
	}

	fields := map[string]string{}
	for _, pair := range strings.Split(string(plain), "&") {
		k, v, _ := strings.Cut(pair, "=")
		fields[k] = v
	}
	if _, ok := fields["start"]; !ok {
		t.Errorf("body %q is missing the start marker", plain)
	}
	if _, ok := fields["end"]; !ok {
		t.Errorf("body %q is missing the end marker", plain)
	}
	return fields
}

func zenithRespond(t *testing.T, w http.ResponseWriter, deviceID string, envelope zenithEnvelope) {
	t.Helper()

	key, err := bankcipher.PBKDF2Key(deviceID, testZenithSalt)
	if err != nil {
		t.Fatalf("deriving key: %v", err)
	}
	iv, err := bankcipher.DecodeIV(testZenithIV)
	if err != nil {
		t.Fatalf("decoding iv: %v", err)
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("encoding envelope: %v", err)
	}
	encrypted, err := bankcipher.EncryptCBC(body, key, iv)
	if err != nil {
		t.Fatalf("encrypting envelope: %v", err)
	}
	io.WriteString(w, encrypted)
}

func newZenithConnector(t *testing.T, baseURL string) *ZenithConnector {
	t.Helper()
	conn, err := NewZenithConnector(testProvider(), Config{
		EncryptionKey: testZenithSalt,
		EncryptionIV:  testZenithIV,
		BaseURL:       baseURL + "/",
		Now:           func() time.Time { return testNow },
		WindowDelay:   -1,
	})
	if err != nil {
		t.Fatalf("NewZenithConnector() error: %v", err)
	}
	return conn
}

func zenithToken(t *testing.T, deviceID string) json.RawMessage {
	t.Helper()
	token, err := json.Marshal(zenithSession{SessionID: "S-1", DeviceID: deviceID})
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestZenith_AuthenticateAndFetchAccounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/customer/authenticate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fields := zenithDecryptRequest(t, r)
		if fields["loginID"] != "0123456789" || fields["password"] != "s3cret" {
			t.Errorf("credentials did not survive the wire: %v", fields)
		}
		if fields["deviceID"] != r.Header.Get("deviceId") {
			t.Errorf("body deviceID %q differs from header %q", fields["deviceID"], r.Header.Get("deviceId"))
		}

		zenithRespond(t, w, r.Header.Get("deviceId"), zenithEnvelope{
			Code:                    0,
			SessionID:               "S-789",
			SessionTimeoutInSeconds: 300,
			Accounts: []zenithAccount{
				{AccountNumber: "0011223344", AccountName: "John Doe", AccountType: "SAVINGS", Currency: "NGN", AvailableBalance: 1500.75, BookBalance: 1600.00},
				{AccountNumber: "0055667788", AccountName: "John Doe", AccountType: "CURRENT", Currency: "NGN", AvailableBalance: 20.5, BookBalance: 20.5},
			},
		})
	}))
	defer server.Close()

	conn := newZenithConnector(t, server.URL)

	result, err := conn.Authenticate(context.Background(), Credentials{"login_id": "0123456789", "password": "s3cret"}, nil)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if !result.Authenticated || result.RequiresMFA {
		t.Fatalf("Authenticate() = %+v, want authenticated without MFA", result)
	}
	wantExpiry := testNow.Add(300 * time.Second)
	if result.SessionExpiresAt == nil || !result.SessionExpiresAt.Equal(wantExpiry) {
		t.Errorf("SessionExpiresAt = %v, want %v", result.SessionExpiresAt, wantExpiry)
	}

	accounts, err := conn.FetchAccounts(context.Background(), result.SessionToken)
	if err != nil {
		t.Fatalf("FetchAccounts() error: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("FetchAccounts() returned %d accounts, want 2", len(accounts))
	}
	if accounts[0].CurrentBalance == 0 || accounts[0].AvailableBalance == 0 {
		t.Errorf("balances were lost: %+v", accounts[0])
	}
	if accounts[0].Type != "savings" || accounts[1].Type != "checking" {
		t.Errorf("account types not normalized: %q, %q", accounts[0].Type, accounts[1].Type)
	}
}

func TestZenith_AuthenticateValidationSkipsNetwork(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	conn := newZenithConnector(t, server.URL)

	_, err := conn.Authenticate(context.Background(), Credentials{"login_id": "bad"}, nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Authenticate() = %v, want *ValidationError", err)
	}
	if hits.Load() != 0 {
		t.Errorf("validation failure still reached the bank (%d requests)", hits.Load())
	}
}

func TestZenith_AuthenticateRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zenithRespond(t, w, r.Header.Get("deviceId"), zenithEnvelope{
			Code:        91,
			Description: "Invalid login credentials",
		})
	}))
	defer server.Close()

	conn := newZenithConnector(t, server.URL)

	_, err := conn.Authenticate(context.Background(), Credentials{"login_id": "0123456789", "password": "wrong1"}, nil)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Authenticate() = %v, want ErrAuthentication", err)
	}
	if !strings.Contains(err.Error(), "Invalid login credentials") {
		t.Errorf("error %q does not carry the bank's description", err)
	}
}

func TestZenith_AuthenticateReusesPriorDeviceID(t *testing.T) {
	const boundDevice = "abcdef0123456789"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("deviceId"); got != boundDevice {
			t.Errorf("deviceId = %q, want the previously bound %q", got, boundDevice)
		}
		zenithRespond(t, w, r.Header.Get("deviceId"), zenithEnvelope{SessionID: "S-2", SessionTimeoutInSeconds: 300})
	}))
	defer server.Close()

	conn := newZenithConnector(t, server.URL)

	_, err := conn.Authenticate(context.Background(), Credentials{"login_id": "0123456789", "password": "s3cret"}, zenithToken(t, boundDevice))
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
}

// A fetch with a since-id must return only transactions newer than that id,
// in the upstream's newest-first order.
func TestZenith_FetchTransactionsSinceIDTruncates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fields := zenithDecryptRequest(t, r)
		if fields["accountNumber"] != "0011223344" {
			t.Errorf("accountNumber = %q", fields["accountNumber"])
		}
		zenithRespond(t, w, r.Header.Get("deviceId"), zenithEnvelope{
			Transactions: []zenithTxn{
				{TranID: "T102", Amount: -200, Date: "2025-05-20", Narration: "POS", Type: "D", ClosingBalance: 800},
				{TranID: "T101", Amount: 500, Date: "2025-05-18", Narration: "Transfer in", Type: "C", ClosingBalance: 1000},
				{TranID: "T100", Amount: -50, Date: "2025-05-15", Narration: "Airtime", Type: "D", ClosingBalance: 500},
				{TranID: "T99", Amount: -10, Date: "2025-05-10", Narration: "Fees", Type: "D", ClosingBalance: 550},
			},
		})
	}))
	defer server.Close()

	conn := newZenithConnector(t, server.URL)

	transactions, err := conn.FetchTransactions(context.Background(), zenithToken(t, "abcdef0123456789"), "0011223344", FetchOptions{
		StartDate: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		SinceID:   "T100",
	})
	if err != nil {
		t.Fatalf("FetchTransactions() error: %v", err)
	}

	if len(transactions) != 2 {
		t.Fatalf("got %d transactions, want 2: %+v", len(transactions), transactions)
	}
	if transactions[0].ID != "T102" || transactions[1].ID != "T101" {
		t.Errorf("truncation kept the wrong rows: %q, %q", transactions[0].ID, transactions[1].ID)
	}
	if transactions[0].Amount != 200 || transactions[0].Direction != "debit" {
		t.Errorf("amount not normalized to absolute+direction: %+v", transactions[0])
	}
	if transactions[1].Direction != "credit" {
		t.Errorf("credit marker not mapped: %+v", transactions[1])
	}
	if transactions[0].Balance == nil || *transactions[0].Balance != 800 {
		t.Errorf("closing balance lost: %+v", transactions[0])
	}
}

// Ranges longer than a quarter fan out into multiple windowed requests; rows
// returned by adjacent windows must collapse to one.
func TestZenith_FetchTransactionsWindowsAndDedup(t *testing.T) {
	var windows [][2]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fields := zenithDecryptRequest(t, r)
		windows = append(windows, [2]string{fields["startDate"], fields["endDate"]})

		var txns []zenithTxn
		switch len(windows) {
		case 1: // newest window
			txns = []zenithTxn{
				{TranID: "T20", Amount: 30, Date: "2025-05-01", Type: "C"},
				{TranID: "T10", Amount: 20, Date: "2025-04-01", Type: "D"},
			}
		default: // older window repeats the boundary row
			txns = []zenithTxn{
				{TranID: "T10", Amount: 20, Date: "2025-04-01", Type: "D"},
				{TranID: "T5", Amount: 10, Date: "2025-02-01", Type: "D"},
			}
		}
		zenithRespond(t, w, r.Header.Get("deviceId"), zenithEnvelope{Transactions: txns})
	}))
	defer server.Close()

	conn := newZenithConnector(t, server.URL)

	transactions, err := conn.FetchTransactions(context.Background(), zenithToken(t, "abcdef0123456789"), "0011223344", FetchOptions{
		StartDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("FetchTransactions() error: %v", err)
	}

	if len(windows) != 2 {
		t.Fatalf("made %d windowed requests, want 2: %v", len(windows), windows)
	}
	if windows[0] != [2]string{"01-04-2025", "01-06-2025"} {
		t.Errorf("newest window = %v", windows[0])
	}
	if windows[1] != [2]string{"01-01-2025", "31-03-2025"} {
		t.Errorf("oldest window = %v", windows[1])
	}

	var ids []string
	for _, txn := range transactions {
		ids = append(ids, txn.ID)
	}
	want := []string{"T20", "T10", "T5"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestZenith_VerifyMFAUnsupported(t *testing.T) {
	conn := newZenithConnector(t, "http://unused")
	if _, err := conn.VerifyMFA(context.Background(), nil, nil, "123456"); !errors.Is(err, ErrAuthentication) {
		t.Errorf("VerifyMFA() = %v, want ErrAuthentication", err)
	}
}
