package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jengacapital/ussd-gobackend/internal/models"
)

// ErrNotFound is returned by lookups that match no document.
var ErrNotFound = errors.New("not found")

// PaymentUpdate is a partial update of a transaction's payment fields.
// Nil fields are left untouched.
type PaymentUpdate struct {
	PaymentMethod        *string
	MpesaReceipt         *string
	MpesaTransactionID   *string
	MerchantRequestID    *string
	PaymentPhone         *string
	PaymentName          *string
	PaymentStatus        *string
	PaymentDate          *time.Time
	PaymentFailureReason *string
}

// Store is the persistence surface shared by the USSD engine and the
// payment reconciler. All pending-transaction lookups are scoped to
// payment_status == "pending" so replayed callbacks are no-ops.
type Store interface {
	GetUserByPhoneNumber(ctx context.Context, phoneNumber string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) (*models.User, error)
	UpdateUserBalance(ctx context.Context, id, balance string) error

	CreateTransaction(ctx context.Context, tx *models.Transaction) (string, error)
	GetTransactionByID(ctx context.Context, id string) (*models.Transaction, error)
	GetFeeTransactions(ctx context.Context, parentTransactionID string) ([]models.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID string) ([]models.Transaction, error)

	// Pending-transaction resolvers used by the reconciliation cascade.
	FindPendingByMpesaTransactionID(ctx context.Context, providerID string) (*models.Transaction, error)
	FindPendingByMerchantRequestID(ctx context.Context, merchantRequestID string) (*models.Transaction, error)
	FindPendingByProviderIDSuffix(ctx context.Context, suffix string) (*models.Transaction, error)
	// FindPendingByUserAndAmount matches amount within 0.01 and, when
	// preferFees is set, ranks fee transactions ahead of primaries;
	// ties resolve most-recent first.
	FindPendingByUserAndAmount(ctx context.Context, userID string, amount decimal.Decimal, preferFees bool) (*models.Transaction, error)

	UpdateTransactionPayment(ctx context.Context, id string, upd PaymentUpdate) error
	SetTransactionStatus(ctx context.Context, id, status string) error

	GetActiveCampaign(ctx context.Context) (*models.Campaign, error)
	ListCampaignNodes(ctx context.Context, campaignID string, includeInactive bool) ([]models.CampaignNode, error)
	CreateCampaign(ctx context.Context, c *models.Campaign) (string, error)
	CreateCampaignNode(ctx context.Context, n *models.CampaignNode) (string, error)
	// ActivateCampaign marks the given campaign active and deactivates
	// every other campaign in the same step.
	ActivateCampaign(ctx context.Context, id string) error

	GetOrCreateSession(ctx context.Context, sessionID, phoneNumber, ussdCode string) (*models.Session, error)
	UpdateSession(ctx context.Context, sessionID, currentMenu, inputHistory string) (*models.Session, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
}

// StringPtr is a convenience for building PaymentUpdate values.
func StringPtr(s string) *string { return &s }

// TimePtr is a convenience for building PaymentUpdate values.
func TimePtr(t time.Time) *time.Time { return &t }
