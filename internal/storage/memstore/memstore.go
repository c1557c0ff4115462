package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jengacapital/ussd-gobackend/internal/models"
	"github.com/jengacapital/ussd-gobackend/internal/storage"
)

// Store is an in-memory storage.Store. It backs the test suite and the
// MEMORY_STORE dev mode; it mirrors the mongostore query semantics,
// including pending-only resolver scoping and sibling ordering.
type Store struct {
	mu       sync.Mutex
	seq      int64
	users    map[string]*models.User
	txs      map[string]*models.Transaction
	txSeq    map[string]int64
	camps    map[string]*models.Campaign
	nodes    map[string]*models.CampaignNode
	sessions map[string]*models.Session
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:    make(map[string]*models.User),
		txs:      make(map[string]*models.Transaction),
		txSeq:    make(map[string]int64),
		camps:    make(map[string]*models.Campaign),
		nodes:    make(map[string]*models.CampaignNode),
		sessions: make(map[string]*models.Session),
	}
}

func newID() string {
	return uuid.NewString()
}

func (s *Store) GetUserByPhoneNumber(_ context.Context, phoneNumber string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.PhoneNumber == phoneNumber {
			cp := *u
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) GetUserByID(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) CreateUser(_ context.Context, user *models.User) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := *user
	if u.ID == "" {
		u.ID = newID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	s.users[u.ID] = &u
	cp := u
	return &cp, nil
}

func (s *Store) UpdateUserBalance(_ context.Context, id, balance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.Balance = balance
	return nil
}

func (s *Store) CreateTransaction(_ context.Context, tx *models.Transaction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *tx
	if t.ID == "" {
		t.ID = newID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Source == "" {
		t.Source = "ussd"
	}
	if t.PaymentStatus == "" {
		t.PaymentStatus = models.PaymentStatusPending
	}
	s.seq++
	s.txSeq[t.ID] = s.seq
	s.txs[t.ID] = &t
	return t.ID, nil
}

func (s *Store) GetTransactionByID(_ context.Context, id string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) GetFeeTransactions(_ context.Context, parentTransactionID string) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, t := range s.txs {
		if t.IsFee && t.ParentTransactionID == parentTransactionID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *Store) ListTransactionsByUser(_ context.Context, userID string) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, t := range s.txs {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.txSeq[out[i].ID] > s.txSeq[out[j].ID]
	})
	return out, nil
}

// pendingSorted returns pending transactions matching keep, most recent
// first, fees first when preferFees is set.
func (s *Store) pendingSorted(keep func(*models.Transaction) bool, preferFees bool) []*models.Transaction {
	var out []*models.Transaction
	for _, t := range s.txs {
		if t.PaymentStatus != models.PaymentStatusPending {
			continue
		}
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if preferFees && out[i].IsFee != out[j].IsFee {
			return out[i].IsFee
		}
		return s.txSeq[out[i].ID] > s.txSeq[out[j].ID]
	})
	return out
}

func (s *Store) FindPendingByMpesaTransactionID(_ context.Context, providerID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := s.pendingSorted(func(t *models.Transaction) bool {
		return t.MpesaTransactionID == providerID
	}, false)
	if len(matches) == 0 {
		return nil, storage.ErrNotFound
	}
	cp := *matches[0]
	return &cp, nil
}

func (s *Store) FindPendingByMerchantRequestID(_ context.Context, merchantRequestID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := s.pendingSorted(func(t *models.Transaction) bool {
		return t.MerchantRequestID == merchantRequestID
	}, false)
	if len(matches) == 0 {
		return nil, storage.ErrNotFound
	}
	cp := *matches[0]
	return &cp, nil
}

func (s *Store) FindPendingByProviderIDSuffix(_ context.Context, suffix string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := s.pendingSorted(func(t *models.Transaction) bool {
		return strings.Contains(t.MerchantRequestID, suffix) ||
			strings.Contains(t.MpesaTransactionID, suffix)
	}, false)
	if len(matches) == 0 {
		return nil, storage.ErrNotFound
	}
	cp := *matches[0]
	return &cp, nil
}

func (s *Store) FindPendingByUserAndAmount(_ context.Context, userID string, amount decimal.Decimal, preferFees bool) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tolerance := decimal.NewFromFloat(0.01)
	matches := s.pendingSorted(func(t *models.Transaction) bool {
		if t.UserID != userID {
			return false
		}
		stored, err := decimal.NewFromString(t.Amount)
		if err != nil {
			return false
		}
		return stored.Sub(amount).Abs().LessThan(tolerance)
	}, preferFees)
	if len(matches) == 0 {
		return nil, storage.ErrNotFound
	}
	cp := *matches[0]
	return &cp, nil
}

func (s *Store) UpdateTransactionPayment(_ context.Context, id string, upd storage.PaymentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if upd.PaymentMethod != nil {
		t.PaymentMethod = *upd.PaymentMethod
	}
	if upd.MpesaReceipt != nil {
		t.MpesaReceipt = *upd.MpesaReceipt
	}
	if upd.MpesaTransactionID != nil {
		t.MpesaTransactionID = *upd.MpesaTransactionID
	}
	if upd.MerchantRequestID != nil {
		t.MerchantRequestID = *upd.MerchantRequestID
	}
	if upd.PaymentPhone != nil {
		t.PaymentPhone = *upd.PaymentPhone
	}
	if upd.PaymentName != nil {
		t.PaymentName = *upd.PaymentName
	}
	if upd.PaymentStatus != nil {
		t.PaymentStatus = *upd.PaymentStatus
	}
	if upd.PaymentDate != nil {
		t.PaymentDate = upd.PaymentDate
	}
	if upd.PaymentFailureReason != nil {
		t.PaymentFailureReason = *upd.PaymentFailureReason
	}
	return nil
}

func (s *Store) SetTransactionStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return storage.ErrNotFound
	}
	t.Status = status
	return nil
}

func (s *Store) GetActiveCampaign(_ context.Context) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*models.Campaign
	for _, c := range s.camps {
		if c.IsActive {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return nil, storage.ErrNotFound
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	cp := *active[0]
	return &cp, nil
}

func (s *Store) ListCampaignNodes(_ context.Context, campaignID string, includeInactive bool) ([]models.CampaignNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CampaignNode
	for _, n := range s.nodes {
		if n.CampaignID != campaignID {
			continue
		}
		if !includeInactive && !n.IsActive {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CreateCampaign(_ context.Context, c *models.Campaign) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := *c
	if cc.ID == "" {
		cc.ID = newID()
	}
	if cc.CreatedAt.IsZero() {
		cc.CreatedAt = time.Now()
	}
	s.camps[cc.ID] = &cc
	return cc.ID, nil
}

func (s *Store) CreateCampaignNode(_ context.Context, n *models.CampaignNode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nn := *n
	if nn.ID == "" {
		nn.ID = newID()
	}
	if nn.CreatedAt.IsZero() {
		nn.CreatedAt = time.Now()
	}
	s.nodes[nn.ID] = &nn
	return nn.ID, nil
}

func (s *Store) ActivateCampaign(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.camps[id]
	if !ok {
		return storage.ErrNotFound
	}
	for _, c := range s.camps {
		c.IsActive = false
	}
	target.IsActive = true
	return nil
}

func (s *Store) GetOrCreateSession(_ context.Context, sessionID, phoneNumber, ussdCode string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		cp := *sess
		return &cp, nil
	}
	sess := models.Session{
		ID:              newID(),
		SessionID:       sessionID,
		PhoneNumber:     phoneNumber,
		UssdCode:        ussdCode,
		InputHistory:    "",
		CurrentMenu:     "main",
		LastInteraction: time.Now(),
	}
	s.sessions[sessionID] = &sess
	cp := sess
	return &cp, nil
}

func (s *Store) UpdateSession(_ context.Context, sessionID, currentMenu, inputHistory string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	sess.CurrentMenu = currentMenu
	sess.InputHistory = inputHistory
	sess.LastInteraction = time.Now()
	cp := *sess
	return &cp, nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}
