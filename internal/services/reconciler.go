package services

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jengacapital/ussd-gobackend/internal/models"
	"github.com/jengacapital/ussd-gobackend/internal/storage"
)

// ResultCodeCancelled is M-Pesa's "request cancelled by user" result.
const ResultCodeCancelled = 1032

const notifyTimeout = 10 * time.Second

// Old in-house checkout ids embed the transaction id: CHECKOUT-<unix>-<txid>.
var legacyCheckoutPattern = regexp.MustCompile(`^CHECKOUT-(\d+)-(.+)$`)

// StkCallback is the provider's callback body. ResultCode 0 means the
// payment went through; anything else is a failure. CallbackMetadata is
// only present on success.
type StkCallback struct {
	MerchantRequestID string       `json:"MerchantRequestID"`
	CheckoutRequestID string       `json:"CheckoutRequestID"`
	ResultCode        int          `json:"ResultCode"`
	ResultDesc        string       `json:"ResultDesc"`
	CallbackMetadata  CallbackMeta `json:"CallbackMetadata"`
}

type CallbackMeta struct {
	Item []CallbackItem `json:"Item"`
}

// CallbackItem is one name/value metadata pair. Values arrive as
// strings or numbers depending on the field.
type CallbackItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

// CallbackEnvelope accepts both the wrapped ({"Body":{"stkCallback":...}})
// and bare ({"stkCallback":...}) payload shapes the provider has sent.
type CallbackEnvelope struct {
	Body struct {
		StkCallback *StkCallback `json:"stkCallback"`
	} `json:"Body"`
	StkCallback *StkCallback `json:"stkCallback"`
}

// Callback unwraps the envelope, or nil when neither shape is present.
func (e *CallbackEnvelope) Callback() *StkCallback {
	if e.Body.StkCallback != nil {
		return e.Body.StkCallback
	}
	return e.StkCallback
}

// CallbackAck is the acknowledgment echoed back to the provider. It is
// always success-shaped, even when nothing resolved, to stop retry
// storms.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// RetryNotifier delivers the out-of-band "dial again" nudge after a
// user cancels the payment prompt.
type RetryNotifier interface {
	SendUSSDPush(ctx context.Context, phoneNumber, message string) error
}

// Reconciler matches provider callbacks to pending transactions and
// cascades settlement across linked fee/parent transactions. Every
// lookup is scoped to payment_status=pending, so replayed callbacks for
// settled transactions are no-ops.
type Reconciler struct {
	store    storage.Store
	notifier RetryNotifier
	ussdCode string
}

func NewReconciler(store storage.Store, notifier RetryNotifier, ussdCode string) *Reconciler {
	return &Reconciler{store: store, notifier: notifier, ussdCode: ussdCode}
}

// callbackDetails is the metadata pulled out of a success callback.
type callbackDetails struct {
	receipt     string
	phone       string
	amount      decimal.Decimal
	hasAmount   bool
	payerName   string
	paymentDate *time.Time
}

// resolver is one identifier strategy: it either finds a pending
// transaction or reports storage.ErrNotFound.
type resolver struct {
	name string
	fn   func(ctx context.Context) (*models.Transaction, error)
}

// HandleCallback reconciles one provider callback. It never fails the
// provider: unresolvable callbacks are logged and acknowledged.
func (r *Reconciler) HandleCallback(ctx context.Context, cb *StkCallback) CallbackAck {
	details := extractDetails(cb)

	if cb.ResultCode == 0 {
		return r.handleSuccess(ctx, cb, details)
	}
	return r.handleFailure(ctx, cb, details)
}

func (r *Reconciler) handleSuccess(ctx context.Context, cb *StkCallback, details callbackDetails) CallbackAck {
	tx := r.resolve(ctx, r.successResolvers(cb, details))
	if tx == nil {
		log.Printf("[CALLBACK] Transaction not found for payment: Phone: %s, MerchantRequestID: %s, CheckoutRequestID: %s",
			details.phone, cb.MerchantRequestID, cb.CheckoutRequestID)
		return CallbackAck{ResultCode: 0, ResultDesc: "Success"}
	}

	providerID := cb.CheckoutRequestID
	if providerID == "" {
		providerID = cb.MerchantRequestID
	}
	paymentDate := time.Now()
	if details.paymentDate != nil {
		paymentDate = *details.paymentDate
	}

	upd := storage.PaymentUpdate{
		PaymentMethod:      storage.StringPtr("mpesa"),
		MpesaReceipt:       storage.StringPtr(details.receipt),
		MpesaTransactionID: storage.StringPtr(providerID),
		PaymentPhone:       storage.StringPtr(details.phone),
		PaymentStatus:      storage.StringPtr(models.PaymentStatusPaid),
		PaymentDate:        storage.TimePtr(paymentDate),
	}
	if details.payerName != "" {
		upd.PaymentName = storage.StringPtr(details.payerName)
	}
	if err := r.store.UpdateTransactionPayment(ctx, tx.ID, upd); err != nil {
		log.Printf("[CALLBACK] Failed to record payment on transaction %s: %v", tx.ID, err)
		return CallbackAck{ResultCode: 0, ResultDesc: "Success"}
	}
	if err := r.store.SetTransactionStatus(ctx, tx.ID, models.StatusCompleted); err != nil {
		log.Printf("[CALLBACK] Failed to complete transaction %s: %v", tx.ID, err)
	}

	if tx.IsFee && tx.ParentTransactionID != "" {
		r.settleParent(ctx, tx)
	} else if !tx.IsFee && tx.Type == models.TypeDeposit {
		r.creditDeposit(ctx, tx)
	}

	log.Printf("[CALLBACK] Payment recorded: Transaction ID %s, IsFee: %t, Receipt: %s", tx.ID, tx.IsFee, details.receipt)
	return CallbackAck{ResultCode: 0, ResultDesc: "Success"}
}

func (r *Reconciler) handleFailure(ctx context.Context, cb *StkCallback, details callbackDetails) CallbackAck {
	log.Printf("[CALLBACK] Payment failed: ResultCode %d, Description: %s, MerchantRequestID: %s",
		cb.ResultCode, cb.ResultDesc, cb.MerchantRequestID)

	tx := r.resolve(ctx, r.failureResolvers(cb, details))
	if tx == nil {
		log.Printf("[CALLBACK] Failed payment callback received but transaction not found: MerchantRequestID: %s, CheckoutRequestID: %s",
			cb.MerchantRequestID, cb.CheckoutRequestID)
		return CallbackAck{ResultCode: cb.ResultCode, ResultDesc: cb.ResultDesc}
	}

	providerID := cb.MerchantRequestID
	if providerID == "" {
		providerID = cb.CheckoutRequestID
	}
	err := r.store.UpdateTransactionPayment(ctx, tx.ID, storage.PaymentUpdate{
		PaymentStatus:      storage.StringPtr(models.PaymentStatusFailed),
		MpesaTransactionID: storage.StringPtr(providerID),
	})
	if err != nil {
		log.Printf("[CALLBACK] Failed to mark transaction %s failed: %v", tx.ID, err)
	}
	if err := r.store.SetTransactionStatus(ctx, tx.ID, models.StatusFailed); err != nil {
		log.Printf("[CALLBACK] Failed to set failed status on transaction %s: %v", tx.ID, err)
	}
	log.Printf("[CALLBACK] Transaction %s marked as failed: %s (ResultCode: %d)", tx.ID, cb.ResultDesc, cb.ResultCode)

	if cb.ResultCode == ResultCodeCancelled {
		r.notifyRetry(tx)
	}

	return CallbackAck{ResultCode: cb.ResultCode, ResultDesc: cb.ResultDesc}
}

// successResolvers is the ordered identifier cascade for successful
// payments: stored checkout-request id, then merchant-request id
// against both id fields, then the phone+amount heuristic.
func (r *Reconciler) successResolvers(cb *StkCallback, details callbackDetails) []resolver {
	resolvers := []resolver{
		{"checkout-request id", func(ctx context.Context) (*models.Transaction, error) {
			if cb.CheckoutRequestID == "" {
				return nil, storage.ErrNotFound
			}
			return r.store.FindPendingByMpesaTransactionID(ctx, cb.CheckoutRequestID)
		}},
		{"merchant-request id", func(ctx context.Context) (*models.Transaction, error) {
			if cb.MerchantRequestID == "" {
				return nil, storage.ErrNotFound
			}
			return r.store.FindPendingByMerchantRequestID(ctx, cb.MerchantRequestID)
		}},
		{"merchant-request id as provider id", func(ctx context.Context) (*models.Transaction, error) {
			if cb.MerchantRequestID == "" {
				return nil, storage.ErrNotFound
			}
			return r.store.FindPendingByMpesaTransactionID(ctx, cb.MerchantRequestID)
		}},
		{"payer phone and amount", func(ctx context.Context) (*models.Transaction, error) {
			if details.phone == "" || !details.hasAmount {
				return nil, storage.ErrNotFound
			}
			user, err := r.store.GetUserByPhoneNumber(ctx, details.phone)
			if err != nil {
				return nil, err
			}
			return r.store.FindPendingByUserAndAmount(ctx, user.ID, details.amount, true)
		}},
	}
	return resolvers
}

// failureResolvers mirrors the success cascade minus the metadata
// heuristics failure payloads cannot satisfy, plus a provider-id suffix
// match and a last-resort extraction of a transaction id from the
// legacy checkout-id format.
func (r *Reconciler) failureResolvers(cb *StkCallback, details callbackDetails) []resolver {
	return []resolver{
		{"merchant-request id", func(ctx context.Context) (*models.Transaction, error) {
			if cb.MerchantRequestID == "" {
				return nil, storage.ErrNotFound
			}
			return r.store.FindPendingByMerchantRequestID(ctx, cb.MerchantRequestID)
		}},
		{"merchant-request id as provider id", func(ctx context.Context) (*models.Transaction, error) {
			if cb.MerchantRequestID == "" {
				return nil, storage.ErrNotFound
			}
			return r.store.FindPendingByMpesaTransactionID(ctx, cb.MerchantRequestID)
		}},
		{"merchant-request id suffix", func(ctx context.Context) (*models.Transaction, error) {
			if len(cb.MerchantRequestID) < 10 {
				return nil, storage.ErrNotFound
			}
			return r.store.FindPendingByProviderIDSuffix(ctx, cb.MerchantRequestID[len(cb.MerchantRequestID)-10:])
		}},
		{"checkout-request id", func(ctx context.Context) (*models.Transaction, error) {
			if cb.CheckoutRequestID == "" {
				return nil, storage.ErrNotFound
			}
			return r.store.FindPendingByMpesaTransactionID(ctx, cb.CheckoutRequestID)
		}},
		{"payer phone and amount", func(ctx context.Context) (*models.Transaction, error) {
			if details.phone == "" || !details.hasAmount {
				return nil, storage.ErrNotFound
			}
			user, err := r.store.GetUserByPhoneNumber(ctx, details.phone)
			if err != nil {
				return nil, err
			}
			return r.store.FindPendingByUserAndAmount(ctx, user.ID, details.amount, false)
		}},
		{"legacy checkout id", func(ctx context.Context) (*models.Transaction, error) {
			m := legacyCheckoutPattern.FindStringSubmatch(cb.CheckoutRequestID)
			if m == nil {
				return nil, storage.ErrNotFound
			}
			tx, err := r.store.GetTransactionByID(ctx, m[2])
			if err != nil {
				return nil, err
			}
			if tx.PaymentStatus != models.PaymentStatusPending {
				return nil, storage.ErrNotFound
			}
			return tx, nil
		}},
	}
}

// resolve runs the cascade in order and returns the first hit.
func (r *Reconciler) resolve(ctx context.Context, resolvers []resolver) *models.Transaction {
	for _, res := range resolvers {
		tx, err := res.fn(ctx)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			log.Printf("[CALLBACK] Resolver %q failed: %v", res.name, err)
			continue
		}
		log.Printf("[CALLBACK] Resolved transaction %s via %s", tx.ID, res.name)
		return tx
	}
	return nil
}

// settleParent completes the parent once every fee transaction under it
// reports paid. The re-read includes the fee just settled.
func (r *Reconciler) settleParent(ctx context.Context, fee *models.Transaction) {
	fees, err := r.store.GetFeeTransactions(ctx, fee.ParentTransactionID)
	if err != nil {
		log.Printf("[CALLBACK] Failed to fetch fee siblings for parent %s: %v", fee.ParentTransactionID, err)
		return
	}
	allPaid := true
	for i := range fees {
		if !fees[i].PaymentPaid() {
			allPaid = false
			break
		}
	}
	log.Printf("[CALLBACK] Fee payment: Transaction ID %s, Parent ID: %s, All fees paid: %t", fee.ID, fee.ParentTransactionID, allPaid)
	if !allPaid {
		return
	}
	if err := r.store.SetTransactionStatus(ctx, fee.ParentTransactionID, models.StatusCompleted); err != nil {
		log.Printf("[CALLBACK] Failed to complete parent transaction %s: %v", fee.ParentTransactionID, err)
		return
	}
	log.Printf("[CALLBACK] Parent transaction %s marked as completed (all fees paid)", fee.ParentTransactionID)
}

// creditDeposit adds a settled deposit's amount to the owner's balance.
func (r *Reconciler) creditDeposit(ctx context.Context, tx *models.Transaction) {
	user, err := r.store.GetUserByID(ctx, tx.UserID)
	if err != nil {
		log.Printf("[CALLBACK] Failed to fetch user %s for deposit credit: %v", tx.UserID, err)
		return
	}
	balance, err := decimal.NewFromString(user.Balance)
	if err != nil {
		balance = decimal.Zero
	}
	amount, err := decimal.NewFromString(tx.Amount)
	if err != nil {
		log.Printf("[CALLBACK] Deposit transaction %s has unparseable amount %q", tx.ID, tx.Amount)
		return
	}
	newBalance := balance.Add(amount).StringFixed(2)
	if err := r.store.UpdateUserBalance(ctx, tx.UserID, newBalance); err != nil {
		log.Printf("[CALLBACK] Failed to credit deposit for user %s: %v", tx.UserID, err)
		return
	}
	log.Printf("[CALLBACK] Deposit balance updated: User ID %s, Amount: %s, New Balance: %s", tx.UserID, tx.Amount, newBalance)
}

// notifyRetry sends the "dial again" push to the transaction owner.
// Best effort and strictly off the callback's critical path.
func (r *Reconciler) notifyRetry(tx *models.Transaction) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		user, err := r.store.GetUserByID(ctx, tx.UserID)
		if err != nil {
			log.Printf("[NOTIFICATION] Failed to fetch owner of transaction %s: %v", tx.ID, err)
			return
		}
		message := fmt.Sprintf("Please note you need to complete the transaction to proceed. Dial %s to try again.", r.ussdCode)
		log.Printf("[NOTIFICATION] STK Push cancelled by user. Sending USSD Push notification to %s", user.PhoneNumber)
		if err := r.notifier.SendUSSDPush(ctx, user.PhoneNumber, message); err != nil {
			log.Printf("[NOTIFICATION] Failed to send USSD push to %s: %v", user.PhoneNumber, err)
		}
	}()
}

// extractDetails pulls the name/value metadata items out of a success
// callback. Failure callbacks carry no metadata.
func extractDetails(cb *StkCallback) callbackDetails {
	var details callbackDetails
	var firstName, lastName, fullName string

	for _, item := range cb.CallbackMetadata.Item {
		value := itemString(item.Value)
		switch item.Name {
		case "MpesaReceiptNumber":
			details.receipt = value
		case "TransactionDate":
			if t, ok := parseProviderDate(value); ok {
				details.paymentDate = &t
			}
		case "PhoneNumber":
			details.phone = value
		case "Amount":
			if d, err := decimal.NewFromString(value); err == nil {
				details.amount = d
				details.hasAmount = true
			}
		case "FirstName":
			firstName = value
		case "LastName":
			lastName = value
		case "Name":
			fullName = value
		}
	}

	details.payerName = strings.TrimSpace(firstName + " " + lastName)
	if details.payerName == "" {
		details.payerName = fullName
	}
	return details
}

// itemString renders a metadata value. Receipts come as strings, while
// amounts and phone numbers come as JSON numbers.
func itemString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case fmt.Stringer:
		return val.String()
	default:
		return ""
	}
}

// parseProviderDate accepts the provider's compact timestamp plus the
// common fallbacks seen in replayed callbacks.
func parseProviderDate(value string) (time.Time, bool) {
	layouts := []string{
		"20060102150405",
		"2006-01-02 15:04:05",
		time.RFC3339,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
