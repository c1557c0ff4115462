package models

import (
	"time"
)

// User is a subscriber, provisioned automatically on first USSD contact.
// Balance and LoanLimit are fixed-precision decimal strings.
type User struct {
	ID            string    `bson:"_id,omitempty" json:"id"`
	PhoneNumber   string    `bson:"phone_number" json:"phoneNumber"`
	IDNumber      string    `bson:"id_number,omitempty" json:"idNumber,omitempty"`
	Balance       string    `bson:"balance" json:"balance"`
	LoanLimit     string    `bson:"loan_limit" json:"loanLimit"`
	HasActiveLoan bool      `bson:"has_active_loan" json:"hasActiveLoan"`
	CreatedAt     time.Time `bson:"created_at" json:"createdAt"`
}
