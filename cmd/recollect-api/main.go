package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/recollect-app/recollect/backend/internal/audit"
	"github.com/recollect-app/recollect/backend/internal/auth"
	"github.com/recollect-app/recollect/backend/internal/backfill"
	"github.com/recollect-app/recollect/backend/internal/config"
	"github.com/recollect-app/recollect/backend/internal/database"
	"github.com/recollect-app/recollect/backend/internal/embedding"
	"github.com/recollect-app/recollect/backend/internal/insights"
	"github.com/recollect-app/recollect/backend/internal/logging"
	"github.com/recollect-app/recollect/backend/internal/memories"
	"github.com/recollect-app/recollect/backend/internal/search"
	"github.com/recollect-app/recollect/backend/internal/server"
	"github.com/recollect-app/recollect/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "recollect-api",
		Short: "Recollect memory journaling backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Embed memories that have no embedding yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd.Context())
		},
	}
	rootCmd.AddCommand(backfillCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("token-audience", defaults.GetString("auth.token_audience"), "Required token audience")
	cmd.PersistentFlags().StringSlice("cors-origins", defaults.GetStringSlice("http.cors_origins"), "Allowed CORS origins")
	cmd.PersistentFlags().String("voyage-api-key", "", "Voyage AI API key (overrides env)")
	cmd.PersistentFlags().String("embedding-model", defaults.GetString("embedding.model"), "Embedding model name")
	cmd.PersistentFlags().String("anthropic-api-key", "", "Anthropic API key (overrides env)")
	cmd.PersistentFlags().String("anthropic-model", defaults.GetString("anthropic.model"), "Completion model name")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_audience", "token-audience")
	bindFlag(cmd, "http.cors_origins", "cors-origins")
	bindFlag(cmd, "embedding.api_key", "voyage-api-key")
	bindFlag(cmd, "embedding.model", "embedding-model")
	bindFlag(cmd, "anthropic.api_key", "anthropic-api-key")
	bindFlag(cmd, "anthropic.model", "anthropic-model")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// bootstrap opens the database and builds the embedding client shared by the
// server and the backfill command.
func bootstrap() (config.AppConfig, *zap.Logger, *gorm.DB, *embedding.VoyageClient, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}

	db, err := database.Open(appConfig.DatabaseDSN, logger)
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}

	embedder, err := embedding.NewVoyageClient(embedding.VoyageConfig{
		APIKey:   appConfig.VoyageAPIKey,
		Model:    appConfig.EmbeddingModel,
		Endpoint: appConfig.EmbeddingEndpoint,
		Timeout:  appConfig.EmbeddingTimeout,
		Logger:   logger,
	})
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}

	return appConfig, logger, db, embedder, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, db, embedder, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Audience:      appConfig.TokenAudience,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	memoryService, err := memories.NewService(memories.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: memories.NewUUIDProvider(),
		Recorder:   audit.NewRecorder(),
		Embedder:   embedder,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	searchService, err := search.NewService(search.ServiceConfig{
		Database: db,
		Embedder: embedder,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	anthropicClient := anthropic.NewClient(option.WithAPIKey(appConfig.AnthropicAPIKey))
	insightService, err := insights.NewService(insights.ServiceConfig{
		Database:  db,
		Retriever: searchService,
		Creator:   insights.NewAnthropicCreator(&anthropicClient),
		Model:     appConfig.AnthropicModel,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:        verifier,
		Users:           userService,
		Memories:        memoryService,
		Search:          searchService,
		Insights:        insightService,
		CORSOrigins:     appConfig.CORSOrigins,
		AnalysisTimeout: appConfig.AnalysisTimeout,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runBackfill(ctx context.Context) error {
	_, logger, db, embedder, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	runner, err := backfill.NewRunner(backfill.RunnerConfig{
		Database: db,
		Embedder: embedder,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := runner.Run(signalCtx)
	if err != nil {
		return err
	}

	logger.Info("backfill finished",
		zap.Int("pending", result.Pending),
		zap.Int("embedded", result.Embedded),
		zap.Int("failed_batches", result.FailedBatches))
	if result.FailedBatches > 0 {
		return errors.New("backfill completed with failed batches")
	}
	return nil
}
