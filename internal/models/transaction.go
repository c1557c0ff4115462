package models

import (
	"time"
)

// Transaction statuses. Status is the application settlement view,
// PaymentStatus is the raw provider result.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"

	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
	PaymentStatusFailed  = "failed"
)

// Transaction types.
const (
	TypeBid     = "bid"
	TypeBidFee  = "bid_fee"
	TypeDeposit = "deposit"
)

// Transaction is a ledger entry. A bid creates one primary transaction
// plus one fee transaction whose ParentTransactionID points back at it.
// Amount is a fixed-precision decimal string ("25000.00").
type Transaction struct {
	ID                   string     `bson:"_id,omitempty" json:"id"`
	UserID               string     `bson:"user_id" json:"userId"`
	Type                 string     `bson:"type" json:"type"`
	Amount               string     `bson:"amount" json:"amount"`
	Reference            string     `bson:"reference" json:"reference"`
	Status               string     `bson:"status" json:"status"`
	ParentTransactionID  string     `bson:"parent_transaction_id,omitempty" json:"parentTransactionId,omitempty"`
	IsFee                bool       `bson:"is_fee" json:"isFee"`
	Source               string     `bson:"source" json:"source"`
	PaymentMethod        string     `bson:"payment_method,omitempty" json:"paymentMethod,omitempty"`
	PaymentStatus        string     `bson:"payment_status" json:"paymentStatus"`
	PaymentPhone         string     `bson:"payment_phone,omitempty" json:"paymentPhone,omitempty"`
	PaymentName          string     `bson:"payment_name,omitempty" json:"paymentName,omitempty"`
	PaymentDate          *time.Time `bson:"payment_date,omitempty" json:"paymentDate,omitempty"`
	PaymentFailureReason string     `bson:"payment_failure_reason,omitempty" json:"paymentFailureReason,omitempty"`
	MpesaReceipt         string     `bson:"mpesa_receipt,omitempty" json:"mpesaReceipt,omitempty"`
	MpesaTransactionID   string     `bson:"mpesa_transaction_id,omitempty" json:"mpesaTransactionId,omitempty"`
	MerchantRequestID    string     `bson:"merchant_request_id,omitempty" json:"merchantRequestId,omitempty"`
	CreatedAt            time.Time  `bson:"created_at" json:"createdAt"`
}

// PaymentPaid reports whether the provider has settled this transaction.
// Rows migrated from the old MySQL schema carry "1" instead of "paid".
func (t *Transaction) PaymentPaid() bool {
	return t.PaymentStatus == PaymentStatusPaid || t.PaymentStatus == "1"
}
