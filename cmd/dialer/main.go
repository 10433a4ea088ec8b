package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/gsm-voice-dialer/internal/app"
	"github.com/acme/gsm-voice-dialer/internal/domain"
	"github.com/acme/gsm-voice-dialer/internal/queue"
	"github.com/acme/gsm-voice-dialer/internal/telemetry"
	"github.com/acme/gsm-voice-dialer/internal/worker/intake"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	number := flag.String("dial", "", "place a single call to this number and exit")
	audioPath := flag.String("audio", "", "local audio file to play when the single call is answered")
	flag.Parse()

	if *number != "" {
		os.Exit(dialOnce(ctx, *configPath, *number, *audioPath))
	}

	container, err := app.Build(ctx, *configPath, app.WithKafka(), app.WithRedis())
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config, "dialer")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	cfg := container.Config
	reader := container.Kafka.NewReader(cfg.Kafka.JobTopic, cfg.Kafka.ConsumerGroupID)
	worker := intake.New(reader, container.Publishers().Status, container.Audio().Downloader, container.Logger)

	calls, err := container.NewSerializer(worker.HandleStart, worker.HandleResult)
	if err != nil {
		log.Fatalf("failed to build call serializer: %v", err)
	}

	container.Logger.Info("dialer started",
		zap.String("policy", string(calls.Policy())),
		zap.String("provider", cfg.Telephony.Provider),
		zap.String("job_topic", cfg.Kafka.JobTopic),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return calls.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx, calls) })

	err = g.Wait()
	calls.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("dialer terminated: %v", err)
	}
}

// dialOnce places one call through the same serializer and provider the
// daemon uses and reports the outcome as the exit status.
func dialOnce(ctx context.Context, configPath, number, audioPath string) int {
	container, err := app.Build(ctx, configPath, app.WithRedis())
	if err != nil {
		log.Printf("failed to bootstrap application: %v", err)
		return 1
	}
	defer container.Close(context.Background())
	lg := container.Logger

	msg := queue.JobMessage{JobID: uuid.New(), Mobile: number, AudioURL: audioPath}
	if err := msg.Validate(); err != nil {
		lg.Error("invalid call request", zap.Error(err))
		return 2
	}
	if _, err := os.Stat(audioPath); err != nil {
		lg.Error("audio file not readable", zap.String("path", audioPath), zap.Error(err))
		return 2
	}

	type result struct {
		attempt domain.CallAttempt
		err     error
	}
	done := make(chan result, 1)
	calls, err := container.NewSerializer(nil, func(_ context.Context, _ domain.CallJob, attempt domain.CallAttempt, err error) {
		done <- result{attempt: attempt, err: err}
	})
	if err != nil {
		lg.Error("failed to build call serializer", zap.Error(err))
		return 1
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = calls.Run(runCtx) }()

	job := domain.CallJob{
		ID:          msg.JobID,
		Destination: number,
		AudioPath:   audioPath,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := calls.Submit(runCtx, job); err != nil {
		lg.Error("call not accepted", zap.Error(err))
		return 1
	}

	select {
	case r := <-done:
		fields := []zap.Field{
			zap.String("outcome", string(r.attempt.Outcome)),
			zap.String("device", r.attempt.Device),
			zap.Duration("duration", r.attempt.Duration()),
		}
		if r.err != nil {
			lg.Error("call failed", append(fields, zap.Error(r.err))...)
			return 1
		}
		lg.Info("call finished", fields...)
		if r.attempt.Outcome != domain.OutcomeAnswered {
			return 3
		}
		return 0
	case <-ctx.Done():
		lg.Warn("interrupted before the call was placed")
		return 130
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
