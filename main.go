package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"zapdesk/config"
	"zapdesk/internal/adapters/ai"
	"zapdesk/internal/adapters/whatsapp"
	"zapdesk/internal/db"
	"zapdesk/internal/events"
	"zapdesk/internal/handlers"
	"zapdesk/internal/models"
	"zapdesk/internal/services"
	"zapdesk/internal/storage"
	"zapdesk/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"
)

func main() {
	logger.InitLogger()

	log.Info().Msg("Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if err := db.Migrate(conn,
		&models.Client{},
		&models.User{},
		&models.Chat{},
		&models.Service{},
		&models.Message{},
		&models.AIJob{},
		&models.DeliveryJob{},
	); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	waClient, err := whatsapp.NewClient(cfg.WhatsAppBaseURL, cfg.WhatsAppAccessToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize WhatsApp client")
	}

	aiClient, err := ai.NewClient(cfg.AIServiceBaseURL, cfg.AIServiceAPIKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize AI client")
	}

	// Blob storage is optional; without it inbound media is recorded but
	// bytes are not persisted, and outbound media sends are rejected.
	var blob *storage.BlobStore
	if cfg.S3Bucket != "" {
		blob, err = storage.NewBlobStore(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize blob storage")
		}
	} else {
		log.Warn().Msg("S3_BUCKET not set, media storage disabled")
	}

	publisher := events.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	defer publisher.Close()

	store, err := services.NewMessageStore(conn, publisher, cfg.DeliveryDelay, cfg.AIReplyDelay, cfg.AIDebounceDelay)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize message store")
	}

	var blobReader services.Blob
	if blob != nil {
		blobReader = blob
	}

	delivery, err := services.NewDeliveryWorker(store, waClient, blobReader, publisher, cfg.DeliveryDelay)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize delivery worker")
	}

	workflow, err := services.NewAIWorkflow(store, aiClient, blobReader, waClient, services.AIWorkflowConfig{
		ReplyDelay:               cfg.AIReplyDelay,
		EscalationUserExternalID: cfg.EscalationUserExternalID,
		EscalationTemplate:       cfg.EscalationTemplate,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize AI workflow")
	}

	sweep, err := services.NewExpirySweep(store, publisher, cfg.ChatWindow, cfg.SweepInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize expiry sweep")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go delivery.Start(ctx)
	go workflow.Start(ctx)
	go sweep.Start(ctx)

	var blobPutter handlers.BlobPutter
	if blob != nil {
		blobPutter = blob
	}
	webhookHandler := handlers.NewWebhookHandler(store, waClient, blobPutter, cfg.WebhookVerifyToken)
	apiHandler := handlers.NewAPIHandler(store, blobPutter)

	router := mux.NewRouter()
	router.HandleFunc(cfg.WebhookPath, webhookHandler.Verify).Methods(http.MethodGet)
	router.HandleFunc(cfg.WebhookPath, webhookHandler.Handle).Methods(http.MethodPost)
	apiHandler.Register(router.PathPrefix("/api").Subrouter())

	chain := alice.New(handlers.Recoverer, handlers.RequestLogger).Then(router)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: chain}
	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down HTTP server...")
		_ = server.Shutdown(context.Background())
	}()

	log.Info().Str("port", cfg.Port).Msg("Server starting")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}
