package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/jengacapital/ussd-gobackend/internal/handlers"
	"github.com/jengacapital/ussd-gobackend/internal/services"
	"github.com/jengacapital/ussd-gobackend/internal/storage"
	"github.com/jengacapital/ussd-gobackend/internal/storage/memstore"
	"github.com/jengacapital/ussd-gobackend/internal/storage/mongostore"
	"github.com/jengacapital/ussd-gobackend/internal/ussd"
)

func main() {
	// Load .env
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Error loading .env: %s", err)
	}

	var store storage.Store
	if os.Getenv("MEMORY_STORE") == "1" {
		log.Println("Using in-memory store (MEMORY_STORE=1)")
		store = memstore.New()
	} else {
		uri := os.Getenv("MONGOURI")
		if uri == "" {
			log.Fatal("MONGOURI environment variable not set")
		}

		client, err := mongostore.Connect(context.Background(), uri)
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.Disconnect(ctx); err != nil {
				log.Printf("Error disconnecting from MongoDB: %v", err)
			}
		}()
		log.Println("Successfully connected to MongoDB")

		dbName := os.Getenv("MONGODB")
		if dbName == "" {
			dbName = "ussddb"
		}
		mongoStore := mongostore.New(client.Database(dbName))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			log.Printf("Warning: failed to ensure indexes: %v", err)
		}
		cancel()
		store = mongoStore
	}

	ussdCode := os.Getenv("USSD_CODE")
	if ussdCode == "" {
		ussdCode = "*519*65#"
	}
	menuEnabled := os.Getenv("USSD_MENU_ENABLED") != "false"

	// Initialize services and handlers
	mpesaService := services.NewMpesaService(store, services.MpesaConfigFromEnv())
	ussdService := services.NewUssdService(store, mpesaService, menuEnabled)
	reconciler := services.NewReconciler(store, mpesaService, ussdCode)

	debounce := ussd.NewDebounceCache(ussd.DefaultDebounceTTL)
	ussdHandler := handlers.NewUssdHandler(ussdService, store, debounce)
	mpesaHandler := handlers.NewMpesaHandler(reconciler, mpesaService, store)

	// Set up router
	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")

	router.HandleFunc("/api/ussd", ussdHandler.HandleUSSD).Methods("GET", "POST")
	router.HandleFunc("/api/session/{sessionID}", ussdHandler.GetSession).Methods("GET")

	router.HandleFunc("/api/mpesa/callback", mpesaHandler.Callback).Methods("POST")
	router.HandleFunc("/api/mpesa/stk-push", mpesaHandler.InitiatePush).Methods("POST")
	router.HandleFunc("/api/userid/{userID}/transactions", mpesaHandler.GetUserTransactions).Methods("GET")

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:         "0.0.0.0:" + port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	log.Printf("Server running on port %s", port)
	log.Fatal(server.ListenAndServe())
}
