package services

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jengacapital/ussd-gobackend/internal/models"
	"github.com/jengacapital/ussd-gobackend/internal/storage"
	"github.com/jengacapital/ussd-gobackend/internal/ussd"
)

// Canned USSD responses.
const (
	respMenuDisabled = "END Our USSD service is temporarily unavailable.\n\nPlease visit:\njengacapital.co.ke/cash\n\nThank you for your understanding."
	respNoCampaign   = "END No active campaign available. Please try again later."
	respBadConfig    = "END Invalid campaign configuration. Please try again later."
	respThankYou     = "END Thank you for using our service."
	respSystemError  = "END System error. Please try again later."
	respInvalidInput = "CON Invalid selection. Please try again.\n"
)

const (
	defaultFeeMin    = 30
	defaultFeeMax    = 99
	defaultFeePrompt = "Please complete the bid on MPesa, ref: {{ref}}."
	defaultLoanLimit = "25100"
	pushTimeout      = 10 * time.Second
	refLen           = 8
	refCharset       = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var refPlaceholder = regexp.MustCompile(`(?i)\{\{\s*ref\s*\}\}`)

// StkPusher requests an out-of-band payment prompt for a transaction.
// The USSD flow calls it fire-and-forget after the response is final.
type StkPusher interface {
	PushPayment(ctx context.Context, transactionID, phoneNumber string, amount decimal.Decimal) error
}

// UssdService walks the active campaign's menu for one gateway request
// and fires the bid action on bid leaves.
type UssdService struct {
	store       storage.Store
	pusher      StkPusher
	menuEnabled bool
}

func NewUssdService(store storage.Store, pusher StkPusher, menuEnabled bool) *UssdService {
	return &UssdService{store: store, pusher: pusher, menuEnabled: menuEnabled}
}

// HandleSession resolves one gateway request to a CON/END response. It
// never returns an error: anything unexpected becomes a terminal
// system-error END so the gateway always gets a protocol-shaped reply.
func (s *UssdService) HandleSession(ctx context.Context, msisdn, sessionID, ussdCode, input string) string {
	session, err := s.store.GetOrCreateSession(ctx, sessionID, msisdn, ussdCode)
	if err != nil {
		log.Printf("[USSD ERROR] SessionID: %s | failed to load session: %v", sessionID, err)
		return respSystemError
	}

	keys := ussd.ParseInput(input, ussd.GatewaySuffix(ussdCode))
	log.Printf("[USSD STEP] SessionID: %s | Phone: %s | RawInput: %s | Level: %d | CurrentMenu: %s",
		sessionID, msisdn, input, len(keys), session.CurrentMenu)

	user, err := s.store.GetUserByPhoneNumber(ctx, msisdn)
	if err == storage.ErrNotFound {
		user, err = s.store.CreateUser(ctx, &models.User{
			PhoneNumber: msisdn,
			Balance:     "0",
			LoanLimit:   defaultLoanLimit,
		})
	}
	if err != nil {
		log.Printf("[USSD ERROR] SessionID: %s | failed to load user %s: %v", sessionID, msisdn, err)
		return respSystemError
	}

	if !s.menuEnabled {
		return respMenuDisabled
	}

	campaign, err := s.store.GetActiveCampaign(ctx)
	if err == storage.ErrNotFound {
		return respNoCampaign
	}
	if err != nil {
		log.Printf("[USSD ERROR] SessionID: %s | failed to load campaign: %v", sessionID, err)
		return respSystemError
	}

	nodes, err := s.store.ListCampaignNodes(ctx, campaign.ID, false)
	if err != nil {
		log.Printf("[USSD ERROR] SessionID: %s | failed to load nodes: %v", sessionID, err)
		return respSystemError
	}
	tree, err := ussd.BuildTree(nodes)
	if err != nil {
		log.Printf("[USSD ERROR] SessionID: %s | campaign %s: %v", sessionID, campaign.ID, err)
		return respSystemError
	}

	walk := tree.Walk(keys)
	prompt := campaign.RootPrompt
	if walk.Node != nil && walk.Node.Prompt != "" {
		prompt = walk.Node.Prompt
	}

	if walk.Invalid {
		if _, err := s.store.UpdateSession(ctx, sessionID, "campaign_menu_invalid", input); err != nil {
			log.Printf("[USSD ERROR] SessionID: %s | failed to update session: %v", sessionID, err)
		}
		return respInvalidInput + ussd.RenderMenu(prompt, walk.Children)
	}

	if len(walk.Children) > 0 {
		parentKey := "root"
		if walk.Node != nil {
			parentKey = walk.Node.ID
		}
		menuState := fmt.Sprintf("campaign_menu:%s:%s", campaign.ID, parentKey)
		if _, err := s.store.UpdateSession(ctx, sessionID, menuState, input); err != nil {
			log.Printf("[USSD ERROR] SessionID: %s | failed to update session: %v", sessionID, err)
		}
		return "CON " + ussd.RenderMenu(prompt, walk.Children)
	}

	if walk.Node != nil && walk.Node.ActionType == models.ActionBid {
		return s.handleBid(ctx, campaign, walk.Node, user, sessionID, input, msisdn)
	}

	return respThankYou
}

// handleBid creates the primary bid transaction plus its fee
// transaction and fires the fee STK push after the response is final.
// Misconfigured payloads fail closed with no transaction created.
func (s *UssdService) handleBid(ctx context.Context, campaign *models.Campaign, node *models.CampaignNode, user *models.User, sessionID, input, msisdn string) string {
	bidAmount, ok := ussd.BidAmount(node.ActionPayload)
	if !ok || !bidAmount.IsPositive() {
		log.Printf("[USSD ERROR] SessionID: %s | bid node %s has no usable amount", sessionID, node.ID)
		return respBadConfig
	}

	ref := GenerateRef()
	feeAmount := drawFee(campaign.BidFeeMin, campaign.BidFeeMax)

	bidTxID, err := s.store.CreateTransaction(ctx, &models.Transaction{
		UserID:        user.ID,
		Type:          models.TypeBid,
		Amount:        bidAmount.StringFixed(2),
		Reference:     ref,
		Status:        models.StatusPending,
		PaymentStatus: models.PaymentStatusPending,
		Source:        "ussd",
	})
	if err != nil {
		log.Printf("[USSD ERROR] SessionID: %s | failed to create bid transaction: %v", sessionID, err)
		return respSystemError
	}

	feeTxID, err := s.store.CreateTransaction(ctx, &models.Transaction{
		UserID:              user.ID,
		Type:                models.TypeBidFee,
		Amount:              feeAmount.StringFixed(2),
		Reference:           ref + "-FEE",
		Status:              models.StatusPending,
		PaymentStatus:       models.PaymentStatusPending,
		ParentTransactionID: bidTxID,
		IsFee:               true,
		Source:              "ussd",
	})
	if err != nil {
		log.Printf("[USSD ERROR] SessionID: %s | failed to create fee transaction: %v", sessionID, err)
		return respSystemError
	}

	if _, err := s.store.UpdateSession(ctx, sessionID, "bid_payment", input); err != nil {
		log.Printf("[USSD ERROR] SessionID: %s | failed to update session: %v", sessionID, err)
	}

	phone := NormalizePhone(msisdn)
	go func() {
		pushCtx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		log.Printf("[STK PUSH] Triggering bid fee STK push: Transaction ID %s, Phone: %s, Amount: %s", feeTxID, phone, feeAmount.StringFixed(2))
		if err := s.pusher.PushPayment(pushCtx, feeTxID, phone, feeAmount); err != nil {
			log.Printf("[STK PUSH ERROR] Failed to trigger STK push for transaction %s: %v", feeTxID, err)
		}
	}()

	template := campaign.BidFeePrompt
	if template == "" {
		template = defaultFeePrompt
	}
	return "END " + refPlaceholder.ReplaceAllString(template, ref)
}

// drawFee picks a fee uniformly from the campaign's inclusive fee band.
// Bounds are normalized (swapped if reversed, floored at 0); an unset
// band falls back to [30,99].
func drawFee(min, max float64) decimal.Decimal {
	if min == 0 && max == 0 {
		min, max = defaultFeeMin, defaultFeeMax
	}
	low := int64(min)
	high := int64(max)
	if low > high {
		low, high = high, low
	}
	if low < 0 {
		low = 0
	}
	if high < 0 {
		high = 0
	}
	return decimal.NewFromInt(low + randInt64(high-low+1))
}

// GenerateRef returns an 8-character uppercase alphanumeric payment
// reference. No uniqueness check is made.
func GenerateRef() string {
	buf := make([]byte, refLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in trouble anyway;
		// fall back to a time-derived reference.
		now := time.Now().UnixNano()
		for i := range buf {
			buf[i] = refCharset[now%int64(len(refCharset))]
			now /= 3
		}
		return string(buf)
	}
	for i := range buf {
		buf[i] = refCharset[int(buf[i])%len(refCharset)]
	}
	return string(buf)
}

func randInt64(n int64) int64 {
	if n <= 1 {
		return 0
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return time.Now().UnixNano() % n
	}
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return int64(v % uint64(n))
}
