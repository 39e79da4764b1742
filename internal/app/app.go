package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"railwatch/internal/config"
	"railwatch/internal/logger"
	"railwatch/internal/metrics"
	"railwatch/internal/repository/sqlite"
	"railwatch/internal/routes"
	"railwatch/internal/service/ai"
	"railwatch/internal/service/curation"
	"railwatch/internal/service/dataset"
	"railwatch/internal/service/feed"
	"railwatch/internal/service/notify"
	"railwatch/internal/service/phash"
	"railwatch/internal/service/review"
	"railwatch/internal/service/storage"
	"railwatch/internal/service/training"
	"railwatch/internal/service/websocket"
)

const (
	notifyTimeout   = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

type App struct {
	config *config.Config
	logger *logger.Logger

	db         *sqlite.DB
	registry   *prometheus.Registry
	hub        *websocket.HubService
	dispatcher *notify.Dispatcher
	mqtt       *notify.MQTTNotifier
	buffer     *storage.BufferService
	trainer    *training.Trigger
	feed       *feed.Manager
	handler    http.Handler
}

// NewApp wires every service from cfg. Resources opened before a failure are released.
func NewApp(cfg *config.Config) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.NewLogger(cfg.LogDirectory)
	a = &App{config: cfg, logger: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	for _, dir := range []string{cfg.MediaDirectory, cfg.VideoDirectory, filepath.Dir(cfg.DatabasePath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	a.db, err = sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	faults := sqlite.NewFaultRepository(a.db)
	tasks := sqlite.NewTaskRepository(a.db)
	annotations := sqlite.NewAnnotationRepository(a.db)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(a.registry)
	if err != nil {
		return nil, err
	}

	reviews := review.NewService(faults, tasks, cfg.MediaDirectory, log)
	data, err := dataset.New(cfg.DatasetDirectory, log)
	if err != nil {
		return nil, err
	}
	if err := data.SyncDescriptor(); err != nil {
		return nil, fmt.Errorf("failed to write dataset descriptor: %w", err)
	}

	index, err := phash.NewIndex(phash.Algorithm(cfg.HashAlgorithm), cfg.HashCacheTTL)
	if err != nil {
		return nil, err
	}

	a.hub = websocket.NewHubService(log)
	engine := curation.NewEngine(reviews, data, index, annotations, a.hub, m, log, curation.Options{
		Threshold: cfg.SimilarityThreshold,
		Workers:   cfg.HashWorkers,
	})

	notifiers, err := a.buildNotifiers()
	if err != nil {
		return nil, err
	}
	a.dispatcher = notify.NewDispatcher(reviews, notifiers, m, log, notify.Options{
		FeedbackRequired: cfg.FeedbackRequired,
		Rate:             cfg.NotifyRate,
		SiteURL:          cfg.SiteURL,
	})

	a.buffer = storage.NewBufferService(cfg, reviews, a.dispatcher, a.hub, m, log)

	runner := &training.YOLORunner{
		Command:     cfg.TrainCommand,
		BaseWeights: cfg.TrainBaseWeights,
		Epochs:      cfg.TrainEpochs,
		ImageSize:   cfg.TrainImageSize,
		Batch:       cfg.TrainBatch,
		Device:      cfg.TrainDevice,
		Logger:      log,
	}
	loader := ai.NewLoader(data.Classes, cfg.DetectionConfidence, log)
	a.trainer = training.NewTrigger(data, runner, loader, reviews, a.hub, m, log, training.Options{
		LabelThreshold: cfg.RetrainLabelThreshold,
		ModelPath:      cfg.ModelPath,
		RunsDir:        cfg.TrainRunsDirectory,
	})
	if err := a.trainer.LoadInitial(); err != nil {
		// the server still curates and annotates without a detector
		log.Warning("No detector loaded: %v", err)
	}

	a.feed = feed.NewManager(a.trainer, a.buffer, cfg, log)

	a.handler = routes.SetupRoutes(routes.Services{
		Reviews:     reviews,
		Dataset:     data,
		Annotations: annotations,
		Engine:      engine,
		Trainer:     a.trainer,
		Detector:    a.feed,
		Hub:         a.hub,
		Gatherer:    a.registry,
	}, cfg, log)

	log.Info("Notifiers configured: %v", a.dispatcher.Notifiers())
	return a, nil
}

func (a *App) buildNotifiers() ([]notify.Notifier, error) {
	cfg := a.config
	var notifiers []notify.Notifier

	if len(cfg.NotifyEmailURLs) > 0 {
		email, err := notify.NewEmailNotifier(cfg.NotifyEmailURLs, notifyTimeout)
		if err != nil {
			return nil, fmt.Errorf("email notifier: %w", err)
		}
		notifiers = append(notifiers, email)
	}

	if cfg.WhatsAppAPIURL != "" {
		whatsapp, err := notify.NewWhatsAppNotifier(cfg.WhatsAppAPIURL, cfg.WhatsAppAccessToken, cfg.WhatsAppDefaultNumber, notifyTimeout)
		if err != nil {
			return nil, fmt.Errorf("whatsapp notifier: %w", err)
		}
		notifiers = append(notifiers, whatsapp)
	}

	if cfg.MQTTBroker != "" {
		client, err := notify.NewMQTTNotifier(notify.MQTTOptions{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		}, a.logger)
		if err != nil {
			// a broker outage must not keep the review server down
			a.logger.Error("MQTT notifier disabled: %v", err)
		} else {
			a.mqtt = client
			notifiers = append(notifiers, client)
		}
	}

	if len(notifiers) == 0 {
		a.logger.Warning("No notifiers configured; faults will only appear on the dashboard")
	}
	return notifiers, nil
}

// Handler exposes the HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves HTTP and the background services until ctx is done, then shuts
// everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// the dispatcher runs until Stop so the final buffer flush is still delivered
	go a.dispatcher.Run(context.Background())

	var background errgroup.Group
	background.Go(func() error { a.hub.Run(bgCtx); return nil })
	background.Go(func() error { a.buffer.Run(bgCtx); return nil })

	a.logger.Info("Railway fault server listening on http://localhost:%d", a.config.Port)
	a.logger.Info("Media: %s, dataset: %s, model: %s", a.config.MediaDirectory, a.config.DatasetDirectory, a.config.ModelPath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)

		// producers first so their output still reaches the consumers
		a.feed.Stop()
		a.trainer.Shutdown()
		stopBackground()
		background.Wait()
		a.dispatcher.Stop()
		return err
	})

	return g.Wait()
}

func (a *App) close() {
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("Failed to close database: %v", err)
		}
	}
	a.logger.Close()
}
