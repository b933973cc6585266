package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"p8fs-auth/internal/config"
	"p8fs-auth/internal/handler"
	"p8fs-auth/internal/mailer"
	"p8fs-auth/internal/middleware"
	"p8fs-auth/internal/repository"
	"p8fs-auth/internal/service"
	"p8fs-auth/internal/storage"
	"p8fs-auth/internal/websocket"
	"p8fs-auth/pkg/derive"
	"p8fs-auth/pkg/hash"
	"p8fs-auth/pkg/jwt"
	"p8fs-auth/pkg/sigv4"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, err := openStore(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	repos := repository.New(store)

	wsManager := websocket.NewManager(
		cfg.WebSocket.MaxConnPerTenant,
		cfg.WebSocket.MaxMessageSize,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
	)
	go wsManager.Run()
	wsManager.SetMessageHandler(handler.NewWebSocketMessageHandler(wsManager))

	deriver, err := derive.New(cfg.Credentials.RootKey)
	if err != nil {
		log.Fatalf("Failed to initialise credential derivation: %v", err)
	}

	tokenManager := jwt.NewManager(cfg.JWT.PrivateKey, cfg.JWT.Issuer, cfg.JWT.Audience)
	tokenService := service.NewTokenService(tokenManager, repos.RefreshTokens, repos.Devices,
		cfg.JWT.Expiration, cfg.JWT.RefreshTokenExpiration)

	registrationService := service.NewRegistrationService(
		repos.Tenants,
		repos.Devices,
		repos.Registrations,
		tokenService,
		mailer.NewLogSender(cfg.Registration.RevealCodes),
		newProvisioner(cfg.S3),
		hash.NewHasher(hash.DefaultCost),
		service.RegistrationConfig{
			CodeTTL:     cfg.Registration.CodeTTL,
			MaxAttempts: cfg.Registration.MaxAttempts,
		},
	)

	pairingService := service.NewPairingService(
		repos.DeviceSessions,
		repos.APIKeys,
		repos.Devices,
		tokenService,
		wsManager,
		service.PairingConfig{
			SessionTTL:      cfg.Pairing.SessionTTL,
			PollInterval:    cfg.Pairing.PollInterval,
			APIKeyTTL:       cfg.Pairing.APIKeyTTL,
			APIKeyEnabled:   cfg.Pairing.APIKeyEnabled,
			VerificationURI: cfg.Pairing.VerificationURI,
		},
	)

	credentialService := service.NewCredentialService(repos.CredentialSessions, deriver, service.CredentialConfig{
		SessionTTL: cfg.Credentials.SessionTTL,
		Endpoint:   cfg.S3.Endpoint,
		Region:     cfg.S3.Region,
	})
	validator := service.NewWebhookValidator(credentialService, service.ValidatorConfig{
		Region:       cfg.S3.Region,
		MaxClockSkew: cfg.Webhook.MaxClockSkew,
		CacheTTL:     cfg.Webhook.CacheTTL,
	})
	deviceService := service.NewDeviceService(repos.Devices, repos.RefreshTokens, credentialService, wsManager)

	if cfg.Webhook.Secret == "" {
		log.Printf("[Config] SEAWEEDFS_WEBHOOK_SECRET not set; /internal/s3/validate will reject every call")
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
		defer limiter.Stop()
	}

	devToken := ""
	if cfg.Server.IsDevelopment() {
		devToken = cfg.Dev.TokenSecret
	}

	r := handler.NewRouter(handler.Handlers{
		Auth:        handler.NewAuthHandler(registrationService, tokenService, devToken),
		OAuth:       handler.NewOAuthHandler(pairingService),
		Credentials: handler.NewCredentialHandler(credentialService),
		Devices:     handler.NewDeviceHandler(deviceService),
		Webhook:     handler.NewWebhookHandler(validator),
		WebSocket: handler.NewWebSocketHandler(wsManager, tokenService,
			cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize),
	}, handler.RouterOptions{
		Authenticator: tokenService,
		WebhookSecret: cfg.Webhook.Secret,
		RateLimiter:   limiter,
		CORS: handler.CORSOptions{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: cfg.CORS.AllowedMethods,
			AllowedHeaders: cfg.CORS.AllowedHeaders,
		},
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepLoop(sweepCtx, validator, cfg.Webhook.CacheTTL)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting P8FS auth server on %s (env: %s, storage: %s)", addr, cfg.Server.Env, cfg.Database.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped gracefully")
}

func openStore(cfg config.DatabaseConfig) (repository.DocumentStore, error) {
	if cfg.Backend == config.BackendMemory {
		log.Printf("[Storage] Using in-memory document store; state is lost on restart")
		return repository.NewMemoryStore(), nil
	}

	couchURL := fmt.Sprintf("http://%s:%s@%s:%s", cfg.User, cfg.Password, cfg.Host, cfg.Port)
	client, err := kivik.New("couch", couchURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	ctx := context.Background()
	exists, err := client.DBExists(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, cfg.Name); err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		log.Printf("Created database: %s", cfg.Name)
	}

	if err := repository.EnsureIndexes(ctx, client, cfg.Name); err != nil {
		return nil, err
	}
	log.Printf("Connected to CouchDB at %s:%s", cfg.Host, cfg.Port)
	return repository.NewCouchStore(client, cfg.Name), nil
}

func newProvisioner(cfg config.S3Config) storage.Provisioner {
	if !cfg.ProvisionBucket || cfg.AdminAccessKey == "" {
		return storage.LogProvisioner{}
	}
	return storage.NewS3Provisioner(cfg.Endpoint, cfg.Region, sigv4.Credentials{
		AccessKeyID:     cfg.AdminAccessKey,
		SecretAccessKey: cfg.AdminSecretKey,
	})
}

func sweepLoop(ctx context.Context, v *service.WebhookValidator, every time.Duration) {
	if every <= 0 {
		every = service.DefaultValidationCacheTTL
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Sweep()
		}
	}
}
