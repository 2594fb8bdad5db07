package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookpersona/internal/chat"
	"bookpersona/internal/config"
	"bookpersona/internal/extract"
	"bookpersona/internal/ingest"
	"bookpersona/internal/persona"
	"bookpersona/internal/server"
	"bookpersona/internal/util"
	"bookpersona/pkg/ai"
	"bookpersona/pkg/queue"
	"bookpersona/pkg/storage"
	"bookpersona/pkg/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init postgres store", "err", err)
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init object storage", "err", err)
		}
	}

	completer, err := ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GenerationModel)
	if err != nil {
		util.Fatal("failed to init completion client", "err", err)
	}
	retry := ai.NewRetryPolicy(cfg.RetryAttempts, time.Duration(cfg.RetryBaseSeconds)*time.Second)

	pipeline, err := ingest.New(ingest.Config{
		Store:        dataStore,
		Objects:      objects,
		MaxWords:     cfg.ChunkMaxWords,
		OverlapWords: cfg.ChunkOverlapWords,
	})
	if err != nil {
		util.Fatal("failed to init ingest pipeline", "err", err)
	}
	extractor, err := extract.New(extract.Config{Store: dataStore, Completer: completer, Retry: retry})
	if err != nil {
		util.Fatal("failed to init extraction stage", "err", err)
	}
	synthesizer, err := persona.New(persona.Config{
		Store:     dataStore,
		Completer: completer,
		Retry:     retry,
		Pacing:    time.Duration(cfg.PersonaPaceSeconds) * time.Second,
	})
	if err != nil {
		util.Fatal("failed to init persona stage", "err", err)
	}

	templates := chat.NewTemplateCache(dataStore, time.Duration(cfg.TemplateTTLSeconds)*time.Second)
	engine, err := chat.NewEngine(dataStore, completer, templates, cfg.RetrievalTopK)
	if err != nil {
		util.Fatal("failed to init chat engine", "err", err)
	}
	chatService, err := chat.NewService(dataStore, engine)
	if err != nil {
		util.Fatal("failed to init chat service", "err", err)
	}

	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		Stream:   cfg.QueueStream,
		Group:    cfg.QueueGroup,
	})
	if err != nil {
		util.Fatal("failed to init job queue", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs.Start(ctx, cfg.Workers, func(ctx context.Context, job queue.JobStatus) error {
		switch job.Kind {
		case queue.KindIngest:
			return pipeline.ProcessStored(ctx, job.SubjectID)
		case queue.KindExtractCharacters:
			_, err := extractor.ExtractCharacters(ctx, job.SubjectID)
			return err
		case queue.KindSynthesizePersona:
			_, err := synthesizer.Synthesize(ctx, job.SubjectID)
			return err
		case queue.KindSynthesizePersonas:
			result, err := synthesizer.SynthesizeAllForBook(ctx, job.SubjectID)
			if err != nil {
				return err
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("%d of %d personas failed", len(result.Failed), len(result.Failed)+len(result.Succeeded))
			}
			return nil
		default:
			return fmt.Errorf("unknown job kind %q", job.Kind)
		}
	})

	httpServer, err := server.New(server.Config{
		Store:     dataStore,
		Objects:   objects,
		Queue:     jobs,
		Extractor: extractor,
		Chat:      chatService,
	})
	if err != nil {
		util.Fatal("failed to init http server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
	_ = jobs.Wait()
}
