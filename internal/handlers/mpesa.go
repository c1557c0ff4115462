package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/jengacapital/ussd-gobackend/internal/services"
	"github.com/jengacapital/ussd-gobackend/internal/storage"
)

type MpesaHandler struct {
	reconciler *services.Reconciler
	mpesa      *services.MpesaService
	store      storage.Store
}

func NewMpesaHandler(reconciler *services.Reconciler, mpesa *services.MpesaService, store storage.Store) *MpesaHandler {
	return &MpesaHandler{reconciler: reconciler, mpesa: mpesa, store: store}
}

// Callback receives the provider's payment result. Whatever happens
// inside reconciliation, the provider gets a well-formed acknowledgment
// so it stops retrying.
func (h *MpesaHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var envelope services.CallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeJSON(w, http.StatusBadRequest, services.CallbackAck{ResultCode: 1, ResultDesc: "Invalid callback data"})
		return
	}
	cb := envelope.Callback()
	if cb == nil {
		writeJSON(w, http.StatusBadRequest, services.CallbackAck{ResultCode: 1, ResultDesc: "Invalid callback data"})
		return
	}

	ack := h.reconciler.HandleCallback(r.Context(), cb)
	writeJSON(w, http.StatusOK, ack)
}

// InitiatePush triggers an STK push for an existing transaction.
func (h *MpesaHandler) InitiatePush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID string  `json:"transactionId"`
		PhoneNumber   string  `json:"phoneNumber"`
		Amount        float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.TransactionID == "" || req.PhoneNumber == "" || req.Amount <= 0 {
		http.Error(w, `{"error":"Missing required fields: transactionId, phoneNumber, amount"}`, http.StatusBadRequest)
		return
	}

	err := h.mpesa.PushPayment(r.Context(), req.TransactionID, req.PhoneNumber, decimal.NewFromFloat(req.Amount))
	if err != nil {
		log.Printf("[STK PUSH ERROR] Transaction %s: %v", req.TransactionID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "We could not initiate the M-Pesa prompt. Please try again shortly.",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "STK Push initiated successfully",
	})
}

// GetUserTransactions lists a user's transactions, newest first, for
// manual reconciliation support.
func (h *MpesaHandler) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	if userID == "" {
		http.Error(w, `{"error":"User ID is required"}`, http.StatusBadRequest)
		return
	}

	txs, err := h.store.ListTransactionsByUser(r.Context(), userID)
	if err != nil {
		log.Printf("Failed to fetch transactions for user %s: %v", userID, err)
		http.Error(w, `{"error":"Failed to fetch transactions"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
