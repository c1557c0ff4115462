package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jengacapital/ussd-gobackend/internal/services"
	"github.com/jengacapital/ussd-gobackend/internal/storage"
	"github.com/jengacapital/ussd-gobackend/internal/ussd"
)

type UssdHandler struct {
	service *services.UssdService
	store   storage.Store
	cache   *ussd.DebounceCache
}

func NewUssdHandler(service *services.UssdService, store storage.Store, cache *ussd.DebounceCache) *UssdHandler {
	return &UssdHandler{service: service, store: store, cache: cache}
}

// HandleUSSD serves one gateway request. The gateway sends MSISDN,
// SESSIONID, USSDCODE and INPUT as GET or POST parameters and expects a
// plain-text CON/END body. A repeat of the same (session, input, code)
// within the debounce window replays the cached response verbatim.
func (h *UssdHandler) HandleUSSD(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	msisdn := r.FormValue("MSISDN")
	sessionID := r.FormValue("SESSIONID")
	ussdCode := r.FormValue("USSDCODE")
	input := r.FormValue("INPUT")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if msisdn == "" || sessionID == "" || ussdCode == "" {
		log.Printf("[USSD ERROR] Missing required parameters - MSISDN: %q, SESSIONID: %q, USSDCODE: %q", msisdn, sessionID, ussdCode)
		w.Write([]byte("END Invalid request parameters."))
		return
	}

	key := h.cache.Key(sessionID, input, ussdCode)
	if cached, ok := h.cache.Get(key); ok {
		w.Write([]byte(cached))
		return
	}

	response := func() (resp string) {
		defer func() {
			if p := recover(); p != nil {
				log.Printf("[USSD EXCEPTION] SessionID: %s | panic: %v", sessionID, p)
				resp = "END System error. Please try again later."
			}
		}()
		return h.service.HandleSession(r.Context(), msisdn, sessionID, ussdCode, input)
	}()

	h.cache.Put(key, response)
	log.Printf("[USSD RESPONSE] SessionID: %s | Elapsed: %s | %s", sessionID, time.Since(start).Round(time.Millisecond), firstLine(response))
	w.Write([]byte(response))
}

// GetSession exposes one session's stored state for manual
// reconciliation support.
func (h *UssdHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]
	if sessionID == "" {
		http.Error(w, `{"error":"Session ID is required"}`, http.StatusBadRequest)
		return
	}

	session, err := h.store.GetSession(r.Context(), sessionID)
	if err == storage.ErrNotFound {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("Failed to fetch session %s: %v", sessionID, err)
		http.Error(w, `{"error":"Failed to fetch session"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(session); err != nil {
		log.Printf("Failed to encode session: %v", err)
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
