// Command relay serves the upload relay, bucket listing and login API,
// either as a long-running HTTP server or behind API Gateway on Lambda.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/stefando/uploadRelay/internal/auth"
	"github.com/stefando/uploadRelay/internal/broker/kafka"
	"github.com/stefando/uploadRelay/internal/broker/rabbitmq"
	"github.com/stefando/uploadRelay/internal/config"
	"github.com/stefando/uploadRelay/internal/logging"
	"github.com/stefando/uploadRelay/internal/relay"
	"github.com/stefando/uploadRelay/internal/server"
	"github.com/stefando/uploadRelay/internal/storage"
	"github.com/stefando/uploadRelay/internal/upload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.InitDefault()
		logging.Fatal("invalid configuration", zap.Error(err))
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		logging.InitDefault()
		logging.Warn("failed to init logger, using default", zap.Error(err))
	}
	defer func() { _ = logging.Sync() }()

	ctx := context.Background()
	srv, err := buildServer(ctx, cfg)
	if err != nil {
		logging.Fatal("failed to initialize", zap.Error(err))
	}

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		logging.Info("starting in Lambda mode")
		lambda.Start(server.LambdaHandler(srv))
		return
	}

	serve(cfg.ListenAddr, srv)
}

func buildServer(ctx context.Context, cfg *config.Config) (*server.Server, error) {
	storageCfg := storage.Config{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		RoleARN:         cfg.S3RoleARN,
	}
	awsCfg, err := storage.LoadAWSConfig(ctx, storageCfg)
	if err != nil {
		return nil, err
	}

	pathClient := storage.NewClient(awsCfg, storageCfg, true)
	var virtualHost storage.ObjectPresigner
	if cfg.S3VirtualHostURLs {
		virtualHost = s3.NewPresignClient(storage.NewClient(awsCfg, storageCfg, false))
	}

	opts := server.Options{
		DefaultBucket:   cfg.S3Bucket,
		MaxUploadSize:   cfg.MaxUploadSize,
		UploadRateLimit: cfg.UploadRateLimit,
		UploadRateBurst: cfg.UploadRateBurst,
		Lister:          storage.NewLister(pathClient, s3.NewPresignClient(pathClient), virtualHost),
		Uploader:        upload.NewUploadService(pathClient),
	}

	if cfg.RabbitMQURL != "" {
		opts.RabbitMQ = relay.NewService(rabbitmq.New(cfg.RabbitMQURL, cfg.UploadQueue), cfg.PublishTimeout)
	}
	if len(cfg.KafkaBrokers) > 0 {
		opts.Kafka = relay.NewService(kafka.New(cfg.KafkaBrokers, cfg.UploadQueue, cfg.KafkaMessageBytes()), cfg.PublishTimeout)
	}

	if cfg.CognitoClientID != "" {
		opts.Login = auth.NewLoginService(awsCfg, cfg.CognitoClientID)
	}
	if cfg.OIDCIssuerURL != "" {
		verifier, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			return nil, err
		}
		opts.Verifier = verifier
	}

	logging.Info("relay configured",
		zap.String("bucket", cfg.S3Bucket),
		zap.String("endpoint", cfg.S3Endpoint),
		zap.String("queue", cfg.UploadQueue),
		zap.Bool("rabbitmq", opts.RabbitMQ != nil),
		zap.Bool("kafka", opts.Kafka != nil),
		zap.Bool("login", opts.Login != nil),
		zap.Bool("token_verification", opts.Verifier != nil))

	return server.New(opts), nil
}

func serve(addr string, handler http.Handler) {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logging.Info("server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logging.Info("shutting down", zap.String("signal", sig.String()))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logging.Error("graceful shutdown failed", zap.Error(err))
	}
	logging.Info("server stopped")
}
