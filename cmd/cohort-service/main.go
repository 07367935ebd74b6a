package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/cohortworks/platform/pkg/cdr"
	"github.com/cohortworks/platform/pkg/cohortbuilder"
	"github.com/cohortworks/platform/pkg/cohortreview"
	"github.com/cohortworks/platform/pkg/cohorts"
	"github.com/cohortworks/platform/pkg/common/config"
	"github.com/cohortworks/platform/pkg/common/database"
	"github.com/cohortworks/platform/pkg/common/kafka"
	"github.com/cohortworks/platform/pkg/common/logger"
	"github.com/cohortworks/platform/pkg/warehouse"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	schema, err := cdr.LoadSchemaConfig(cfg.CdrSchemaPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load CDR schema config")
	}

	cohortRepo := cohorts.NewRepository(db)
	if err := cohortRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate cohort tables")
	}
	reviewRepo := cohortreview.NewRepository(db)
	if err := reviewRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate review tables")
	}
	resolver := cdr.NewResolver(db, database.GetRedis(), cfg.CriteriaCacheTTL)
	if err := resolver.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate criteria tables")
	}

	producer := kafka.NewProducer(cfg.KafkaAuditTopic)
	defer producer.Close()

	client := warehouse.NewRetryingClient(warehouse.NewBigQueryClient(cfg), cfg.WarehouseMaxRetries, producer)
	compiler := cohortbuilder.NewQueryCompiler()
	fields := cohortbuilder.NewFieldSetBuilder(compiler, schema)

	materializer := cohorts.NewMaterializer(cohortRepo, reviewRepo, resolver, compiler, fields,
		schema, client, producer, cfg)
	reviewService := cohortreview.NewService(reviewRepo, cohortRepo, resolver, compiler, client, producer)

	cohortHandler := cohorts.NewHandler(cohortRepo, materializer)
	reviewHandler := cohortreview.NewHandler(reviewService, reviewRepo)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	cohortHandler.Register(api)
	reviewHandler.Register(api)

	address := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithField("addr", address).Info("Cohort service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start cohort service")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down cohort service...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Cohort service forced to shutdown")
	}
	logger.Log.Info("Cohort service stopped")
}
