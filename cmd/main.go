package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"whatsapp-relay/handler"
	"whatsapp-relay/internal/integrations/openai"
	"whatsapp-relay/internal/integrations/paramstore"
	"whatsapp-relay/internal/integrations/whatsapp"
	"whatsapp-relay/internal/store"
	"whatsapp-relay/internal/usecase"
)

// envSecretPrefix is the pseudo-prefix used when credentials come from the
// environment instead of SSM.
const envSecretPrefix = "/whatsapp-relay"

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	verifyToken := mustEnv("VERIFY_TOKEN")
	assistantID := mustEnv("ASSISTANT_ID")
	phoneID := mustEnv("WHATSAPP_PHONE_ID")
	port := envInt("PORT", 3000)
	threadExpiry := time.Duration(envInt("THREAD_EXPIRY_HOURS", 12)) * time.Hour
	pollInterval := time.Duration(envInt("POLLING_INTERVAL_MS", 2000)) * time.Millisecond
	pollTimeout := time.Duration(envInt("POLLING_TIMEOUT_MS", 60000)) * time.Millisecond
	maxChunkLen := envInt("WHATSAPP_MAX_MESSAGE_LENGTH", 4000)
	sendTimeout := time.Duration(envInt("FETCH_TIMEOUT_MS", 20000)) * time.Millisecond
	backend := envOr("STORE_BACKEND", "redis")
	paramPrefix := os.Getenv("PARAM_PREFIX")

	// ---- AWS SDK config, loaded only when SSM or DynamoDB is in play ----
	var awsCfg aws.Config
	if paramPrefix != "" || backend == "dynamodb" {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
		awsCfg = cfg
	}

	// ---- Credentials ----
	var secrets paramstore.Getter
	if paramPrefix != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			logger.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		secrets = ssmClient
	} else {
		paramPrefix = envSecretPrefix
		secrets = paramstore.NewStatic(map[string]string{
			envSecretPrefix + "/open-ai-token":  mustEnv("OPENAI_API_KEY"),
			envSecretPrefix + "/whatsapp-token": mustEnv("WHATSAPP_TOKEN"),
		})
	}

	// ---- Session store ----
	var (
		kv         store.KV
		closeStore func()
	)
	switch backend {
	case "redis":
		redisKV, err := store.NewRedisKV(mustEnv("REDIS_URL"))
		if err != nil {
			logger.Error("failed to create redis store", "err", err)
			os.Exit(1)
		}
		kv = redisKV
		closeStore = func() {
			if err := redisKV.Close(); err != nil {
				logger.Error("failed to close redis connection", "err", err)
			}
		}
	case "dynamodb":
		dynKV, err := store.NewDynamoKV(awsdynamodb.NewFromConfig(awsCfg), mustEnv("STATE_TABLE"))
		if err != nil {
			logger.Error("failed to create dynamodb store", "err", err)
			os.Exit(1)
		}
		kv = dynKV
		closeStore = func() {}
	default:
		logger.Error("unknown STORE_BACKEND", "backend", backend)
		os.Exit(1)
	}

	sessions, err := store.NewSessions(kv, threadExpiry, pollTimeout+15*time.Second)
	if err != nil {
		logger.Error("failed to create session helpers", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	var aiOpts []openai.Option
	if org := os.Getenv("OPENAI_ORGANIZATION"); org != "" {
		aiOpts = append(aiOpts, openai.WithOrganization(org))
	}
	if project := os.Getenv("OPENAI_PROJECT"); project != "" {
		aiOpts = append(aiOpts, openai.WithProject(project))
	}
	assistant, err := openai.NewClient(secrets, paramPrefix, aiOpts...)
	if err != nil {
		logger.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	sender, err := whatsapp.NewClient(secrets, paramPrefix, phoneID, logger.With("component", "whatsapp"),
		whatsapp.WithMaxChunkLen(maxChunkLen),
		whatsapp.WithHTTPClient(&http.Client{Timeout: sendTimeout}),
	)
	if err != nil {
		logger.Error("failed to create WhatsApp client", "err", err)
		os.Exit(1)
	}

	// ---- Orchestrator + ingress ----
	relay, err := usecase.NewRelay(sessions, assistant, sender, usecase.Config{
		AssistantID:  assistantID,
		ThreadExpiry: threadExpiry,
		PollInterval: pollInterval,
		PollTimeout:  pollTimeout,
		Messages:     messagesFromEnv(),
	}, logger.With("component", "relay"))
	if err != nil {
		logger.Error("failed to create relay", "err", err)
		os.Exit(1)
	}

	webhook, err := handler.NewWebhook(relay, verifyToken, logger.With("component", "webhook"))
	if err != nil {
		logger.Error("failed to create webhook handler", "err", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	webhook.Register(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr, "store", backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "err", err)
	}
	closeStore()
}

func messagesFromEnv() usecase.Messages {
	return usecase.Messages{
		Welcome1:   os.Getenv("WELCOME_MESSAGE_1"),
		Welcome2:   os.Getenv("WELCOME_MESSAGE_2"),
		Processing: os.Getenv("PROCESSING_MESSAGE"),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
