package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
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

// The Lambda deployment is all-AWS: DynamoDB for session state and SSM for
// credentials. Webhook processing happens synchronously before the 200 is
// returned, because the runtime freezes the process after the response.
func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	verifyToken := mustEnv("VERIFY_TOKEN")
	assistantID := mustEnv("ASSISTANT_ID")
	phoneID := mustEnv("WHATSAPP_PHONE_ID")
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	threadExpiry := time.Duration(envInt("THREAD_EXPIRY_HOURS", 12)) * time.Hour
	pollInterval := time.Duration(envInt("POLLING_INTERVAL_MS", 2000)) * time.Millisecond
	pollTimeout := time.Duration(envInt("POLLING_TIMEOUT_MS", 60000)) * time.Millisecond
	maxChunkLen := envInt("WHATSAPP_MAX_MESSAGE_LENGTH", 4000)

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	secrets, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		logger.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	kv, err := store.NewDynamoKV(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		logger.Error("failed to create dynamodb store", "err", err)
		os.Exit(1)
	}

	sessions, err := store.NewSessions(kv, threadExpiry, pollTimeout+15*time.Second)
	if err != nil {
		logger.Error("failed to create session helpers", "err", err)
		os.Exit(1)
	}

	assistant, err := openai.NewClient(secrets, paramPrefix)
	if err != nil {
		logger.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	sender, err := whatsapp.NewClient(secrets, paramPrefix, phoneID, logger.With("component", "whatsapp"),
		whatsapp.WithMaxChunkLen(maxChunkLen),
	)
	if err != nil {
		logger.Error("failed to create WhatsApp client", "err", err)
		os.Exit(1)
	}

	relay, err := usecase.NewRelay(sessions, assistant, sender, usecase.Config{
		AssistantID:  assistantID,
		ThreadExpiry: threadExpiry,
		PollInterval: pollInterval,
		PollTimeout:  pollTimeout,
	}, logger.With("component", "relay"))
	if err != nil {
		logger.Error("failed to create relay", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewLambda(relay, verifyToken, logger.With("component", "webhook"))
	if err != nil {
		logger.Error("failed to create webhook handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
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
