package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gwi.com/bot-portal/internal/api"
	"gwi.com/bot-portal/internal/auth"
	"gwi.com/bot-portal/internal/config"
	"gwi.com/bot-portal/internal/core"
	"gwi.com/bot-portal/internal/extract"
	"gwi.com/bot-portal/internal/storage"
	"gwi.com/bot-portal/internal/store"
)

func main() {
	// Command line flag for producing users-file password hashes
	hashPassword := flag.String("hash-password", "", "Print a bcrypt hash of the given password for the users file and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(hash)
		os.Exit(0)
	}

	// Load configuration
	config.LoadConfig()
	cfg := config.AppConfig

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if cfg.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
		log.Printf("Configured bots: %d, object store enabled: %t, session backend: %s",
			len(cfg.Bots), cfg.ObjectStoreEnabled(), cfg.SessionBackend)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize session store
	sessionStore, err := openSessionStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize session store: %v", err)
	}
	defer sessionStore.Close()

	credentialStore, err := store.NewCredentialStore(cfg.UsersFile)
	if err != nil {
		log.Fatalf("Failed to initialize credential store: %v", err)
	}
	if cfg.LogLevel == "DEBUG" {
		users, err := credentialStore.ListUsers()
		if err != nil {
			log.Printf("Failed to read users file %s: %v", cfg.UsersFile, err)
		} else {
			log.Printf("Loaded %d users from %s", len(users), cfg.UsersFile)
		}
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o700); err != nil {
		log.Fatalf("Failed to create upload directory %s: %v", cfg.UploadDir, err)
	}

	// Initialize LLM service
	llmService, err := core.NewLLMService(ctx, cfg.Bots)
	if err != nil {
		log.Fatalf("Failed to initialize LLM service: %v", err)
	}
	defer llmService.Close()

	uploader, err := storage.NewUploader(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize object store: %v", err)
	}

	accountService := core.NewAccountService(credentialStore, sessionStore, cfg.SessionTTL)
	botService := core.NewBotService(llmService, extract.DefaultRegistry(), uploader)

	go accountService.SweepExpiredSessions(ctx, time.Hour)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(accountService, botService, cfg)
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  60 * time.Second, // Uploads can be up to MAX_UPLOAD_MB
		WriteTimeout: 90 * time.Second, // LLM calls can take time
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	<-ctx.Done() // Block until a signal is received
	log.Println("Shutting down server...")

	// This gives active connections time to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// llmService.Close() and sessionStore.Close() will be called by their defers.
	log.Println("Server exiting gracefully")
}

func openSessionStore(ctx context.Context, cfg config.Config) (store.SessionStore, error) {
	switch cfg.SessionBackend {
	case config.SessionBackendRedis:
		return store.NewRedisSessionStore(ctx, cfg.RedisURL)
	default:
		return store.NewSQLiteStore(cfg.DatabaseURL)
	}
}
