package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaymentPaid(t *testing.T) {
	assert.True(t, (&Transaction{PaymentStatus: PaymentStatusPaid}).PaymentPaid())
	// Rows migrated from the old schema store "1".
	assert.True(t, (&Transaction{PaymentStatus: "1"}).PaymentPaid())
	assert.False(t, (&Transaction{PaymentStatus: PaymentStatusPending}).PaymentPaid())
	assert.False(t, (&Transaction{PaymentStatus: PaymentStatusFailed}).PaymentPaid())
}
