package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengacapital/ussd-gobackend/internal/models"
	"github.com/jengacapital/ussd-gobackend/internal/storage/memstore"
)

func seedPushTransaction(t *testing.T, store *memstore.Store) string {
	t.Helper()
	txID, err := store.CreateTransaction(context.Background(), &models.Transaction{
		UserID:        "u1",
		Type:          models.TypeBidFee,
		Amount:        "50.00",
		Reference:     "AB12CD34-FEE",
		Status:        models.StatusPending,
		PaymentStatus: models.PaymentStatusPending,
		IsFee:         true,
	})
	require.NoError(t, err)
	return txID
}

func TestPushPaymentStoresProviderIDs(t *testing.T) {
	store := memstore.New()
	txID := seedPushTransaction(t, store)

	var pushBody map[string]any
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth":
			json.NewEncoder(w).Encode(map[string]string{"access_token": "test-token"})
		case "/stkpush":
			authHeader = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&pushBody))
			json.NewEncoder(w).Encode(map[string]string{
				"ResponseCode":      "0",
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220231020363925",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc := NewMpesaService(store, MpesaConfig{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Passkey:        "passkey",
		Shortcode:      "174379",
		CallbackURL:    "https://example.com/api/mpesa/callback",
		TokenURL:       srv.URL + "/oauth",
		PushURL:        srv.URL + "/stkpush",
	})

	err := svc.PushPayment(context.Background(), txID, "0712345678", decimal.RequireFromString("50.50"))
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-token", authHeader)
	assert.Equal(t, "174379", pushBody["BusinessShortCode"])
	assert.Equal(t, "254712345678", pushBody["PhoneNumber"])
	assert.Equal(t, "254712345678", pushBody["PartyA"])
	assert.Equal(t, float64(51), pushBody["Amount"], "amount is rounded up to whole shillings")
	assert.Equal(t, "AB12CD34-FEE", pushBody["AccountReference"])
	assert.Equal(t, "Pay fee", pushBody["TransactionDesc"])

	tx, err := store.GetTransactionByID(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, "29115-34620561-1", tx.MerchantRequestID)
	assert.Equal(t, "ws_CO_191220231020363925", tx.MpesaTransactionID)
	assert.Equal(t, models.PaymentStatusPending, tx.PaymentStatus)
}

func TestPushPaymentRejectedMarksFailed(t *testing.T) {
	store := memstore.New()
	txID := seedPushTransaction(t, store)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth" {
			json.NewEncoder(w).Encode(map[string]string{"access_token": "test-token"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"ResponseCode":        "1",
			"ResponseDescription": "Insufficient balance on shortcode",
		})
	}))
	defer srv.Close()

	svc := NewMpesaService(store, MpesaConfig{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Passkey:        "passkey",
		Shortcode:      "174379",
		TokenURL:       srv.URL + "/oauth",
		PushURL:        srv.URL + "/stkpush",
	})

	err := svc.PushPayment(context.Background(), txID, "254712345678", decimal.NewFromInt(50))
	require.Error(t, err)

	tx, err := store.GetTransactionByID(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, tx.PaymentStatus)
	assert.Equal(t, models.StatusFailed, tx.Status)
	assert.Equal(t, "Insufficient balance on shortcode", tx.PaymentFailureReason)
}

func TestPushPaymentWithoutCredentials(t *testing.T) {
	store := memstore.New()
	txID := seedPushTransaction(t, store)
	svc := NewMpesaService(store, MpesaConfig{})

	err := svc.PushPayment(context.Background(), txID, "254712345678", decimal.NewFromInt(50))
	require.Error(t, err)

	tx, err := store.GetTransactionByID(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, tx.PaymentStatus)
	assert.Equal(t, "M-Pesa credentials not configured", tx.PaymentFailureReason)
}

func TestPushPaymentInvalidPhone(t *testing.T) {
	store := memstore.New()
	txID := seedPushTransaction(t, store)
	svc := NewMpesaService(store, MpesaConfig{
		ConsumerKey: "key", ConsumerSecret: "secret", Passkey: "passkey", Shortcode: "174379",
	})

	err := svc.PushPayment(context.Background(), txID, "12345", decimal.NewFromInt(50))
	require.Error(t, err)
}

func TestSendUSSDPush(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	svc := NewMpesaService(memstore.New(), MpesaConfig{NotifyURL: srv.URL})
	err := svc.SendUSSDPush(context.Background(), "0712345678", "Dial *519*65# to try again.")
	require.NoError(t, err)
	assert.Equal(t, "254712345678", got["phoneNumber"])
	assert.Equal(t, "Dial *519*65# to try again.", got["message"])
}

func TestSendUSSDPushUnconfiguredIsNoOp(t *testing.T) {
	svc := NewMpesaService(memstore.New(), MpesaConfig{})
	assert.NoError(t, svc.SendUSSDPush(context.Background(), "254712345678", "hello"))
}
