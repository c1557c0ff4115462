package mongostore

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/jengacapital/ussd-gobackend/internal/models"
	"github.com/jengacapital/ussd-gobackend/internal/storage"
)

// Store is the MongoDB-backed storage.Store implementation.
type Store struct {
	db *mongo.Database
}

var _ storage.Store = (*Store)(nil)

// Connect dials MongoDB, pings it and returns the client.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %v", err)
	}
	return client, nil
}

func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

func (s *Store) users() *mongo.Collection        { return s.db.Collection("users") }
func (s *Store) transactions() *mongo.Collection { return s.db.Collection("transactions") }
func (s *Store) campaigns() *mongo.Collection    { return s.db.Collection("campaigns") }
func (s *Store) nodes() *mongo.Collection        { return s.db.Collection("campaign_nodes") }
func (s *Store) sessions() *mongo.Collection     { return s.db.Collection("ussd_sessions") }

// EnsureIndexes creates the indexes the reconciliation lookups depend on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.users().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "phone_number", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create user indexes: %v", err)
	}

	txModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "mpesa_transaction_id", Value: 1}}},
		{Keys: bson.D{{Key: "merchant_request_id", Value: 1}}},
		{Keys: bson.D{{Key: "parent_transaction_id", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "payment_status", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	if _, err := s.transactions().Indexes().CreateMany(ctx, txModels); err != nil {
		return fmt.Errorf("failed to create transaction indexes: %v", err)
	}

	_, err = s.sessions().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create session indexes: %v", err)
	}

	_, err = s.nodes().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "campaign_id", Value: 1}, {Key: "sort_order", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create node indexes: %v", err)
	}
	return nil
}

func (s *Store) GetUserByPhoneNumber(ctx context.Context, phoneNumber string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var user models.User
	if err := s.users().FindOne(ctx, bson.M{"phone_number": phoneNumber}).Decode(&user); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		log.Printf("Failed to fetch user for phone number %s: %v", phoneNumber, err)
		return nil, fmt.Errorf("failed to fetch user: %v", err)
	}
	return &user, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var user models.User
	if err := s.users().FindOne(ctx, bson.M{"_id": id}).Decode(&user); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		log.Printf("Failed to fetch user %s: %v", id, err)
		return nil, fmt.Errorf("failed to fetch user: %v", err)
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	u := *user
	if u.ID == "" {
		u.ID = primitive.NewObjectID().Hex()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	if _, err := s.users().InsertOne(ctx, &u); err != nil {
		log.Printf("Failed to create user %s: %v", u.PhoneNumber, err)
		return nil, fmt.Errorf("failed to create user: %v", err)
	}
	return &u, nil
}

func (s *Store) UpdateUserBalance(ctx context.Context, id, balance string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.users().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"balance": balance}})
	if err != nil {
		log.Printf("Failed to update balance for user %s: %v", id, err)
		return fmt.Errorf("failed to update balance: %v", err)
	}
	return nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx *models.Transaction) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	t := *tx
	if t.ID == "" {
		t.ID = primitive.NewObjectID().Hex()
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
	if _, err := s.transactions().InsertOne(ctx, &t); err != nil {
		log.Printf("Failed to create transaction ref %s: %v", t.Reference, err)
		return "", fmt.Errorf("failed to create transaction: %v", err)
	}
	return t.ID, nil
}

func (s *Store) GetTransactionByID(ctx context.Context, id string) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var tx models.Transaction
	if err := s.transactions().FindOne(ctx, bson.M{"_id": id}).Decode(&tx); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		log.Printf("Failed to fetch transaction %s: %v", id, err)
		return nil, fmt.Errorf("failed to fetch transaction: %v", err)
	}
	return &tx, nil
}

func (s *Store) GetFeeTransactions(ctx context.Context, parentTransactionID string) ([]models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cur, err := s.transactions().Find(ctx, bson.M{
		"parent_transaction_id": parentTransactionID,
		"is_fee":                true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch fee transactions: %v", err)
	}
	defer cur.Close(ctx)

	var txs []models.Transaction
	if err := cur.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode fee transactions: %v", err)
	}
	return txs, nil
}

func (s *Store) ListTransactionsByUser(ctx context.Context, userID string) ([]models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cur, err := s.transactions().Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions for user %s: %v", userID, err)
	}
	defer cur.Close(ctx)

	var txs []models.Transaction
	if err := cur.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %v", err)
	}
	return txs, nil
}

func (s *Store) findOnePending(ctx context.Context, filter bson.M) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter["payment_status"] = models.PaymentStatusPending
	var tx models.Transaction
	err := s.transactions().FindOne(ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&tx)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch pending transaction: %v", err)
	}
	return &tx, nil
}

func (s *Store) FindPendingByMpesaTransactionID(ctx context.Context, providerID string) (*models.Transaction, error) {
	return s.findOnePending(ctx, bson.M{"mpesa_transaction_id": providerID})
}

func (s *Store) FindPendingByMerchantRequestID(ctx context.Context, merchantRequestID string) (*models.Transaction, error) {
	return s.findOnePending(ctx, bson.M{"merchant_request_id": merchantRequestID})
}

func (s *Store) FindPendingByProviderIDSuffix(ctx context.Context, suffix string) (*models.Transaction, error) {
	pattern := primitive.Regex{Pattern: regexp.QuoteMeta(suffix)}
	return s.findOnePending(ctx, bson.M{"$or": bson.A{
		bson.M{"merchant_request_id": pattern},
		bson.M{"mpesa_transaction_id": pattern},
	}})
}

func (s *Store) FindPendingByUserAndAmount(ctx context.Context, userID string, amount decimal.Decimal, preferFees bool) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Amounts are stored as decimal strings, so the 0.01 tolerance
	// match happens here rather than in the query.
	sort := bson.D{{Key: "created_at", Value: -1}}
	if preferFees {
		sort = bson.D{{Key: "is_fee", Value: -1}, {Key: "created_at", Value: -1}}
	}
	cur, err := s.transactions().Find(ctx, bson.M{
		"user_id":        userID,
		"payment_status": models.PaymentStatusPending,
	}, options.Find().SetSort(sort))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending transactions: %v", err)
	}
	defer cur.Close(ctx)

	var txs []models.Transaction
	if err := cur.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode pending transactions: %v", err)
	}

	tolerance := decimal.NewFromFloat(0.01)
	for i := range txs {
		stored, err := decimal.NewFromString(txs[i].Amount)
		if err != nil {
			continue
		}
		if stored.Sub(amount).Abs().LessThan(tolerance) {
			return &txs[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) UpdateTransactionPayment(ctx context.Context, id string, upd storage.PaymentUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	set := bson.M{}
	if upd.PaymentMethod != nil {
		set["payment_method"] = *upd.PaymentMethod
	}
	if upd.MpesaReceipt != nil {
		set["mpesa_receipt"] = *upd.MpesaReceipt
	}
	if upd.MpesaTransactionID != nil {
		set["mpesa_transaction_id"] = *upd.MpesaTransactionID
	}
	if upd.MerchantRequestID != nil {
		set["merchant_request_id"] = *upd.MerchantRequestID
	}
	if upd.PaymentPhone != nil {
		set["payment_phone"] = *upd.PaymentPhone
	}
	if upd.PaymentName != nil {
		set["payment_name"] = *upd.PaymentName
	}
	if upd.PaymentStatus != nil {
		set["payment_status"] = *upd.PaymentStatus
	}
	if upd.PaymentDate != nil {
		set["payment_date"] = *upd.PaymentDate
	}
	if upd.PaymentFailureReason != nil {
		set["payment_failure_reason"] = *upd.PaymentFailureReason
	}
	if len(set) == 0 {
		return nil
	}

	_, err := s.transactions().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		log.Printf("Failed to update payment fields for transaction %s: %v", id, err)
		return fmt.Errorf("failed to update transaction payment: %v", err)
	}
	return nil
}

func (s *Store) SetTransactionStatus(ctx context.Context, id, status string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.transactions().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		log.Printf("Failed to set status %s on transaction %s: %v", status, id, err)
		return fmt.Errorf("failed to set transaction status: %v", err)
	}
	return nil
}

func (s *Store) GetActiveCampaign(ctx context.Context) (*models.Campaign, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var c models.Campaign
	err := s.campaigns().FindOne(ctx, bson.M{"is_active": true},
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})).Decode(&c)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch active campaign: %v", err)
	}
	return &c, nil
}

func (s *Store) ListCampaignNodes(ctx context.Context, campaignID string, includeInactive bool) ([]models.CampaignNode, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{"campaign_id": campaignID}
	if !includeInactive {
		filter["is_active"] = true
	}
	cur, err := s.nodes().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "sort_order", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch campaign nodes: %v", err)
	}
	defer cur.Close(ctx)

	var nodes []models.CampaignNode
	if err := cur.All(ctx, &nodes); err != nil {
		return nil, fmt.Errorf("failed to decode campaign nodes: %v", err)
	}
	return nodes, nil
}

func (s *Store) CreateCampaign(ctx context.Context, c *models.Campaign) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cc := *c
	if cc.ID == "" {
		cc.ID = primitive.NewObjectID().Hex()
	}
	if cc.CreatedAt.IsZero() {
		cc.CreatedAt = time.Now()
	}
	if _, err := s.campaigns().InsertOne(ctx, &cc); err != nil {
		return "", fmt.Errorf("failed to create campaign: %v", err)
	}
	return cc.ID, nil
}

func (s *Store) CreateCampaignNode(ctx context.Context, n *models.CampaignNode) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	nn := *n
	if nn.ID == "" {
		nn.ID = primitive.NewObjectID().Hex()
	}
	if nn.CreatedAt.IsZero() {
		nn.CreatedAt = time.Now()
	}
	if _, err := s.nodes().InsertOne(ctx, &nn); err != nil {
		return "", fmt.Errorf("failed to create campaign node: %v", err)
	}
	return nn.ID, nil
}

func (s *Store) ActivateCampaign(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.campaigns().UpdateMany(ctx, bson.M{"_id": bson.M{"$ne": id}},
		bson.M{"$set": bson.M{"is_active": false}}); err != nil {
		return fmt.Errorf("failed to deactivate campaigns: %v", err)
	}
	res, err := s.campaigns().UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"is_active": true}})
	if err != nil {
		return fmt.Errorf("failed to activate campaign %s: %v", id, err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetOrCreateSession(ctx context.Context, sessionID, phoneNumber, ussdCode string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var sess models.Session
	err := s.sessions().FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&sess)
	if err == nil {
		return &sess, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, fmt.Errorf("failed to fetch session: %v", err)
	}

	sess = models.Session{
		ID:              primitive.NewObjectID().Hex(),
		SessionID:       sessionID,
		PhoneNumber:     phoneNumber,
		UssdCode:        ussdCode,
		InputHistory:    "",
		CurrentMenu:     "main",
		LastInteraction: time.Now(),
	}
	if _, err := s.sessions().InsertOne(ctx, &sess); err != nil {
		// A concurrent request may have created it; re-read.
		var existing models.Session
		if rerr := s.sessions().FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&existing); rerr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("failed to create session: %v", err)
	}
	return &sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sessionID, currentMenu, inputHistory string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.sessions().UpdateOne(ctx, bson.M{"session_id": sessionID}, bson.M{"$set": bson.M{
		"current_menu":     currentMenu,
		"input_history":    inputHistory,
		"last_interaction": time.Now(),
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %v", err)
	}
	return s.GetSession(ctx, sessionID)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var sess models.Session
	if err := s.sessions().FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&sess); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch session: %v", err)
	}
	return &sess, nil
}
