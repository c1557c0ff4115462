package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengacapital/ussd-gobackend/internal/models"
	"github.com/jengacapital/ussd-gobackend/internal/storage/memstore"
)

type pushCall struct {
	txID   string
	phone  string
	amount decimal.Decimal
}

type fakePusher struct {
	calls chan pushCall
}

func newFakePusher() *fakePusher {
	return &fakePusher{calls: make(chan pushCall, 8)}
}

func (f *fakePusher) PushPayment(_ context.Context, transactionID, phoneNumber string, amount decimal.Decimal) error {
	f.calls <- pushCall{txID: transactionID, phone: phoneNumber, amount: amount}
	return nil
}

func (f *fakePusher) wait(t *testing.T) pushCall {
	t.Helper()
	select {
	case call := <-f.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("expected an STK push to fire")
		return pushCall{}
	}
}

// seedCampaign loads a two-level auction menu: laptops and phones at the
// root, bid leaves underneath.
func seedCampaign(t *testing.T, store *memstore.Store) *models.Campaign {
	t.Helper()
	ctx := context.Background()

	campaignID, err := store.CreateCampaign(ctx, &models.Campaign{
		Name:       "August Auction",
		RootPrompt: "Welcome to the auction. Choose a category:",
		BidFeeMin:  30,
		BidFeeMax:  99,
		IsActive:   true,
	})
	require.NoError(t, err)

	nodes := []models.CampaignNode{
		{ID: "n-laptops", CampaignID: campaignID, Label: "Laptops", Prompt: "Choose a laptop:", SortOrder: 1, IsActive: true},
		{ID: "n-phones", CampaignID: campaignID, Label: "Phones", Prompt: "Choose a phone:", SortOrder: 2, IsActive: true},
		{ID: "n-hp", CampaignID: campaignID, ParentID: "n-laptops", Label: "HP EliteBook", ActionType: models.ActionBid, ActionPayload: `{"amount": 25000}`, SortOrder: 1, IsActive: true},
		{ID: "n-lenovo", CampaignID: campaignID, ParentID: "n-laptops", Label: "Lenovo ThinkPad", ActionType: models.ActionBid, ActionPayload: `{"amount": 30000}`, SortOrder: 2, IsActive: true},
		{ID: "n-samsung", CampaignID: campaignID, ParentID: "n-phones", Label: "Samsung A14", ActionType: models.ActionBid, ActionPayload: `{"amount": 15000}`, SortOrder: 1, IsActive: true},
	}
	for i := range nodes {
		_, err := store.CreateCampaignNode(ctx, &nodes[i])
		require.NoError(t, err)
	}

	campaign, err := store.GetActiveCampaign(ctx)
	require.NoError(t, err)
	return campaign
}

func TestHandleSessionRootMenu(t *testing.T) {
	store := memstore.New()
	seedCampaign(t, store)
	svc := NewUssdService(store, newFakePusher(), true)

	resp := svc.HandleSession(context.Background(), "254712345678", "sess-1", "*519*65#", "65")
	assert.Equal(t, "CON Welcome to the auction. Choose a category:\n1. Laptops\n2. Phones", resp)
}

func TestHandleSessionDescent(t *testing.T) {
	store := memstore.New()
	seedCampaign(t, store)
	svc := NewUssdService(store, newFakePusher(), true)

	resp := svc.HandleSession(context.Background(), "254712345678", "sess-1", "*519*65#", "65*1")
	assert.Equal(t, "CON Choose a laptop:\n1. HP EliteBook-KES 25,000\n2. Lenovo ThinkPad-KES 30,000", resp)
}

func TestHandleSessionInvalidSelectionReShowsMenu(t *testing.T) {
	store := memstore.New()
	seedCampaign(t, store)
	svc := NewUssdService(store, newFakePusher(), true)

	resp := svc.HandleSession(context.Background(), "254712345678", "sess-1", "*519*65#", "65*1*9")
	assert.True(t, strings.HasPrefix(resp, "CON Invalid selection. Please try again.\n"))
	assert.Contains(t, resp, "Choose a laptop:")
	assert.Contains(t, resp, "1. HP EliteBook-KES 25,000")
}

func TestHandleSessionBidLeaf(t *testing.T) {
	store := memstore.New()
	seedCampaign(t, store)
	pusher := newFakePusher()
	svc := NewUssdService(store, pusher, true)
	ctx := context.Background()

	resp := svc.HandleSession(ctx, "0712345678", "sess-1", "*519*65#", "65*1*1")
	assert.True(t, strings.HasPrefix(resp, "END "))
	assert.Contains(t, resp, "Please complete the bid on MPesa, ref: ")

	user, err := store.GetUserByPhoneNumber(ctx, "0712345678")
	require.NoError(t, err)
	assert.Equal(t, "0", user.Balance)
	assert.Equal(t, "25100", user.LoanLimit)

	txs, err := store.ListTransactionsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)

	var primary, fee *models.Transaction
	for i := range txs {
		if txs[i].IsFee {
			fee = &txs[i]
		} else {
			primary = &txs[i]
		}
	}
	require.NotNil(t, primary)
	require.NotNil(t, fee)

	assert.Equal(t, models.TypeBid, primary.Type)
	assert.Equal(t, "25000.00", primary.Amount)
	assert.Equal(t, models.StatusPending, primary.Status)
	assert.Equal(t, models.PaymentStatusPending, primary.PaymentStatus)
	assert.Len(t, primary.Reference, 8)
	assert.Contains(t, resp, primary.Reference)

	assert.Equal(t, models.TypeBidFee, fee.Type)
	assert.Equal(t, primary.ID, fee.ParentTransactionID)
	assert.Equal(t, primary.Reference+"-FEE", fee.Reference)
	feeAmount, err := decimal.NewFromString(fee.Amount)
	require.NoError(t, err)
	assert.True(t, feeAmount.GreaterThanOrEqual(decimal.NewFromInt(30)), "fee %s below band", fee.Amount)
	assert.True(t, feeAmount.LessThanOrEqual(decimal.NewFromInt(99)), "fee %s above band", fee.Amount)

	call := pusher.wait(t)
	assert.Equal(t, fee.ID, call.txID)
	assert.Equal(t, "254712345678", call.phone)
	assert.True(t, call.amount.Equal(feeAmount))
}

func TestHandleSessionBidFeePromptTemplate(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	campaignID, err := store.CreateCampaign(ctx, &models.Campaign{
		Name:         "Custom prompt",
		RootPrompt:   "Pick one:",
		BidFeePrompt: "Bid placed! Use ref {{ REF }} on M-Pesa.",
		IsActive:     true,
	})
	require.NoError(t, err)
	_, err = store.CreateCampaignNode(ctx, &models.CampaignNode{
		CampaignID: campaignID, Label: "TV", ActionType: models.ActionBid,
		ActionPayload: `{"amount": 5000}`, SortOrder: 1, IsActive: true,
	})
	require.NoError(t, err)

	svc := NewUssdService(store, newFakePusher(), true)
	resp := svc.HandleSession(ctx, "254712345678", "sess-1", "*519*65#", "65*1")

	assert.True(t, strings.HasPrefix(resp, "END Bid placed! Use ref "))
	assert.True(t, strings.HasSuffix(resp, " on M-Pesa."))
	assert.NotContains(t, resp, "{{")
}

func TestHandleSessionBadBidPayloadFailsClosed(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	campaignID, err := store.CreateCampaign(ctx, &models.Campaign{
		Name: "Broken", RootPrompt: "Pick one:", IsActive: true,
	})
	require.NoError(t, err)
	_, err = store.CreateCampaignNode(ctx, &models.CampaignNode{
		CampaignID: campaignID, Label: "Mystery box", ActionType: models.ActionBid,
		ActionPayload: `{"amount": "not a number"}`, SortOrder: 1, IsActive: true,
	})
	require.NoError(t, err)

	svc := NewUssdService(store, newFakePusher(), true)
	resp := svc.HandleSession(ctx, "254712345678", "sess-1", "*519*65#", "65*1")
	assert.Equal(t, "END Invalid campaign configuration. Please try again later.", resp)

	user, err := store.GetUserByPhoneNumber(ctx, "254712345678")
	require.NoError(t, err)
	txs, err := store.ListTransactionsByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestHandleSessionNoActiveCampaign(t *testing.T) {
	store := memstore.New()
	svc := NewUssdService(store, newFakePusher(), true)

	resp := svc.HandleSession(context.Background(), "254712345678", "sess-1", "*519*65#", "65")
	assert.Equal(t, "END No active campaign available. Please try again later.", resp)
}

func TestHandleSessionMenuDisabled(t *testing.T) {
	store := memstore.New()
	seedCampaign(t, store)
	svc := NewUssdService(store, newFakePusher(), false)

	resp := svc.HandleSession(context.Background(), "254712345678", "sess-1", "*519*65#", "65")
	assert.True(t, strings.HasPrefix(resp, "END Our USSD service is temporarily unavailable."))
	assert.Contains(t, resp, "jengacapital.co.ke/cash")
}

func TestHandleSessionNonBidLeafEndsPolitely(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	campaignID, err := store.CreateCampaign(ctx, &models.Campaign{
		Name: "Info", RootPrompt: "Pick one:", IsActive: true,
	})
	require.NoError(t, err)
	_, err = store.CreateCampaignNode(ctx, &models.CampaignNode{
		CampaignID: campaignID, Label: "About us", SortOrder: 1, IsActive: true,
	})
	require.NoError(t, err)

	svc := NewUssdService(store, newFakePusher(), true)
	resp := svc.HandleSession(ctx, "254712345678", "sess-1", "*519*65#", "65*1")
	assert.Equal(t, "END Thank you for using our service.", resp)
}

func TestGenerateRef(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		ref := GenerateRef()
		require.Len(t, ref, 8)
		for _, r := range ref {
			ok := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			assert.True(t, ok, "unexpected character %q in ref %s", r, ref)
		}
		seen[ref] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestDrawFee(t *testing.T) {
	for i := 0; i < 50; i++ {
		fee := drawFee(30, 99)
		assert.True(t, fee.GreaterThanOrEqual(decimal.NewFromInt(30)))
		assert.True(t, fee.LessThanOrEqual(decimal.NewFromInt(99)))
	}

	// Unset band uses the default; reversed bounds are swapped.
	fee := drawFee(0, 0)
	assert.True(t, fee.GreaterThanOrEqual(decimal.NewFromInt(30)))
	assert.True(t, fee.LessThanOrEqual(decimal.NewFromInt(99)))

	fee = drawFee(50, 40)
	assert.True(t, fee.GreaterThanOrEqual(decimal.NewFromInt(40)))
	assert.True(t, fee.LessThanOrEqual(decimal.NewFromInt(50)))

	assert.True(t, drawFee(25, 25).Equal(decimal.NewFromInt(25)))
}
