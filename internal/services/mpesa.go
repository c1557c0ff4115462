package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jengacapital/ussd-gobackend/internal/models"
	"github.com/jengacapital/ussd-gobackend/internal/storage"
)

const (
	defaultTokenURL = "https://api.safaricom.co.ke/oauth/v1/generate?grant_type=client_credentials"
	defaultPushURL  = "https://api.safaricom.co.ke/mpesa/stkpush/v1/processrequest"
)

// MpesaConfig carries the Daraja API credentials and endpoints.
type MpesaConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	Passkey        string
	Shortcode      string
	CallbackURL    string
	TokenURL       string
	PushURL        string
	// NotifyURL is the gateway endpoint for USSD push notifications.
	// Empty disables the retry nudge.
	NotifyURL string
}

// MpesaConfigFromEnv reads the provider configuration from the
// environment. Missing credentials fail individual pushes, not boot.
func MpesaConfigFromEnv() MpesaConfig {
	cfg := MpesaConfig{
		ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
		ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
		Passkey:        os.Getenv("MPESA_PASSKEY"),
		Shortcode:      os.Getenv("MPESA_SHORTCODE"),
		CallbackURL:    os.Getenv("MPESA_CALLBACK_URL"),
		TokenURL:       os.Getenv("MPESA_ACCESS_TOKEN_URL"),
		PushURL:        os.Getenv("MPESA_STK_PUSH_URL"),
		NotifyURL:      os.Getenv("USSD_PUSH_URL"),
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.PushURL == "" {
		cfg.PushURL = defaultPushURL
	}
	return cfg
}

func (c MpesaConfig) credentialsSet() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.Passkey != "" && c.Shortcode != ""
}

// MpesaService drives the provider's STK push API and the gateway's
// USSD push notifications. It implements StkPusher and RetryNotifier.
type MpesaService struct {
	store  storage.Store
	cfg    MpesaConfig
	client *http.Client
}

func NewMpesaService(store storage.Store, cfg MpesaConfig) *MpesaService {
	return &MpesaService{
		store:  store,
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// PushPayment initiates an STK push for the given transaction. On
// provider acceptance it stores the provider-assigned request ids on
// the transaction so callbacks can resolve it; on any failure it marks
// the transaction failed and returns the error.
func (s *MpesaService) PushPayment(ctx context.Context, transactionID, phoneNumber string, amount decimal.Decimal) error {
	tx, err := s.store.GetTransactionByID(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("transaction not found: %v", err)
	}

	if !s.cfg.credentialsSet() {
		s.markPushFailed(ctx, transactionID, "M-Pesa credentials not configured")
		return fmt.Errorf("M-Pesa credentials not configured")
	}

	phone := NormalizePhone(phoneNumber)
	if err := ValidatePushPhone(phone); err != nil {
		log.Printf("[STK PUSH ERROR] Invalid phone number format. Original: %s, Formatted: %s", phoneNumber, phone)
		return err
	}

	token, err := s.accessToken(ctx)
	if err != nil {
		s.markPushFailed(ctx, transactionID, "Failed to get M-Pesa access token")
		return err
	}

	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(s.cfg.Shortcode + s.cfg.Passkey + timestamp))
	now := time.Now().Unix()
	merchantRequestID := fmt.Sprintf("JENGA-%d-%s", now, transactionID)
	checkoutRequestID := fmt.Sprintf("CHECKOUT-%d-%s", now, transactionID)

	desc := "LiveAuction - " + tx.Type
	if tx.IsFee {
		desc = "Pay fee"
	}
	pushReq := map[string]any{
		"BusinessShortCode": s.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amount.Ceil().IntPart(),
		"PartyA":            phone,
		"PartyB":            s.cfg.Shortcode,
		"PhoneNumber":       phone,
		"CallBackURL":       s.cfg.CallbackURL,
		"AccountReference":  tx.Reference,
		"TransactionDesc":   desc,
		"MerchantRequestID": merchantRequestID,
		"CheckoutRequestID": checkoutRequestID,
	}
	reqBody, err := json.Marshal(pushReq)
	if err != nil {
		return fmt.Errorf("failed to marshal STK push request: %v", err)
	}

	log.Printf("[STK PUSH] Request: Transaction ID %s, Phone: %s, Amount: %s, MerchantRequestID: %s",
		transactionID, phone, amount.StringFixed(2), merchantRequestID)

	var resp *http.Response
	for retries := 3; retries > 0; retries-- {
		req, err := http.NewRequestWithContext(ctx, "POST", s.cfg.PushURL, bytes.NewBuffer(reqBody))
		if err != nil {
			return fmt.Errorf("failed to create STK push request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err = s.client.Do(req)
		if err == nil && resp.StatusCode == http.StatusOK {
			break
		}
		if err != nil {
			log.Printf("[STK PUSH ERROR] Request failed (attempt %d): %v", 4-retries, err)
			resp = nil
		} else {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			log.Printf("[STK PUSH ERROR] Request failed with status %d (attempt %d): %s", resp.StatusCode, 4-retries, string(body))
			resp = nil
		}
		time.Sleep(time.Second * time.Duration(3-retries))
	}
	if resp == nil {
		s.markPushFailed(ctx, transactionID, "STK push failed")
		return fmt.Errorf("STK push failed after retries")
	}
	defer resp.Body.Close()

	var pushResp struct {
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
		MerchantRequestID   string `json:"MerchantRequestID"`
		CheckoutRequestID   string `json:"CheckoutRequestID"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		s.markPushFailed(ctx, transactionID, "Invalid STK push response")
		return fmt.Errorf("failed to decode STK push response: %v", err)
	}

	if pushResp.ResponseCode != "0" {
		reason := pushResp.ResponseDescription
		if reason == "" {
			reason = "STK push failed"
		}
		s.markPushFailed(ctx, transactionID, reason)
		return fmt.Errorf("STK push rejected: %s", reason)
	}

	// The provider's CheckoutRequestID is what callbacks carry; fall
	// back to ours when the response omits it.
	providerCheckout := pushResp.CheckoutRequestID
	if providerCheckout == "" {
		log.Printf("[STK PUSH] Provider did not return CheckoutRequestID, using generated one: %s", checkoutRequestID)
		providerCheckout = checkoutRequestID
	}
	providerMerchant := pushResp.MerchantRequestID
	if providerMerchant == "" {
		providerMerchant = merchantRequestID
	}

	err = s.store.UpdateTransactionPayment(ctx, transactionID, storage.PaymentUpdate{
		MerchantRequestID:  storage.StringPtr(providerMerchant),
		MpesaTransactionID: storage.StringPtr(providerCheckout),
	})
	if err != nil {
		return fmt.Errorf("failed to store provider request ids: %v", err)
	}

	log.Printf("[STK PUSH] Initiated: Transaction ID %s, CheckoutRequestID: %s", transactionID, providerCheckout)
	return nil
}

// accessToken fetches an OAuth bearer token with Basic auth.
func (s *MpesaService) accessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.cfg.TokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %v", err)
	}
	creds := base64.StdEncoding.EncodeToString([]byte(s.cfg.ConsumerKey + ":" + s.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+creds)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("access token request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Printf("[STK PUSH ERROR] Access token request failed: HTTP %d - %s", resp.StatusCode, string(body))
		return "", fmt.Errorf("access token request failed with status %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode access token response: %v", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("access token missing from response")
	}
	return tokenResp.AccessToken, nil
}

// SendUSSDPush posts a popup notification to the subscriber via the
// gateway. Best effort; callers swallow the error.
func (s *MpesaService) SendUSSDPush(ctx context.Context, phoneNumber, message string) error {
	if s.cfg.NotifyURL == "" {
		log.Printf("[NOTIFICATION] USSD_PUSH_URL not configured, skipping notification to %s", phoneNumber)
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"phoneNumber": NormalizePhone(phoneNumber),
		"message":     message,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.cfg.NotifyURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification request failed with status %d", resp.StatusCode)
	}
	return nil
}

// markPushFailed records a push failure on the transaction. Errors here
// are logged only; the push error is what the caller reports.
func (s *MpesaService) markPushFailed(ctx context.Context, transactionID, reason string) {
	err := s.store.UpdateTransactionPayment(ctx, transactionID, storage.PaymentUpdate{
		PaymentStatus:        storage.StringPtr(models.PaymentStatusFailed),
		PaymentFailureReason: storage.StringPtr(reason),
	})
	if err != nil {
		log.Printf("[STK PUSH ERROR] Failed to mark transaction %s failed: %v", transactionID, err)
	}
	if err := s.store.SetTransactionStatus(ctx, transactionID, models.StatusFailed); err != nil {
		log.Printf("[STK PUSH ERROR] Failed to set failed status on transaction %s: %v", transactionID, err)
	}
}
