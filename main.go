package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tagbind/bot"
	"tagbind/config"
	"tagbind/internal/handlers"
	"tagbind/internal/notify"
	"tagbind/internal/repository"
	"tagbind/internal/services"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	log.Info().Msg("config loaded")

	// Application context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	app, err := initApplication(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init application")
	}

	if cfg.TelegramBotToken != "" {
		if err := initBot(ctx, cfg, app.bus); err != nil {
			log.Warn().Err(err).Msg("failed to init telegram bot")
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/api/scan", app.scan.HandleScan)
	r.Post("/api/bindings", app.binding.HandleStart)
	r.Delete("/api/bindings/{requestID}", app.binding.HandleCancel)
	r.Delete("/api/projects/{projectID}/guests/{guestID}/binding", app.binding.HandleRemove)
	r.Get("/api/projects/{projectID}/stats", app.binding.HandleStats)
	r.Get("/api/events", app.events.HandleEvents)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
}

// application bundles the wired handlers and the bus.
type application struct {
	scan    *handlers.ScanHandler
	binding *handlers.BindingHandler
	events  *handlers.EventsHandler
	bus     *notify.Bus
}

// initApplication wires storage, the matching core and the bus.
func initApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	db, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	guestRepo := repository.NewGormGuestRepository(db)
	scannerRepo := repository.NewGormScannerRepository(db)
	bindingRepo := repository.NewGormBindingRepository(db)
	pendingRepo := repository.NewGormPendingRequestRepository(db)

	bus := notify.NewBus(cfg.SubscriberQueue, cfg.LivenessInterval)
	go bus.Run(ctx)

	table := services.NewPendingTable(pendingRepo)
	if err := table.Load(ctx); err != nil {
		return nil, err
	}

	engine := services.NewMatchingEngine(scannerRepo, guestRepo, bindingRepo, table, bus)
	controller := services.NewLifecycleController(guestRepo, scannerRepo, bindingRepo, table, bus, cfg.PendingTTL)
	go controller.RunJanitor(ctx, cfg.SweepInterval)

	return &application{
		scan:    handlers.NewScanHandler(engine),
		binding: handlers.NewBindingHandler(controller, bindingRepo, pendingRepo),
		events:  handlers.NewEventsHandler(bus, cfg.LivenessInterval),
		bus:     bus,
	}, nil
}

// initBot starts the optional Telegram operator-alert bot.
func initBot(ctx context.Context, cfg *config.Config, bus *notify.Bus) error {
	if err := bot.Init(cfg.TelegramBotToken, cfg.AuthorizedChatID); err != nil {
		return err
	}
	bot.StartPolling()

	notifier := bot.NewNotifier(bus)
	go notifier.Run(ctx)

	log.Info().Msg("telegram bot initialized")
	return nil
}
