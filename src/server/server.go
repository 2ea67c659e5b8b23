package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/engine"
)

// NewRouter builds the engine's command surface.
func NewRouter(eng engine.TradingEngine) chi.Router {
	r := chi.NewRouter()

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("/healthcheck write error")
		}
	})

	r.Post("/signals", submitSignalHandler(eng))
	r.Post("/positions/{id}/close", manualCloseHandler(eng))
	r.Post("/positions/{id}/stops", updateStopsHandler(eng))
	r.Post("/mode", setModeHandler(eng))
	r.Post("/emergency-stop", emergencyStopHandler(eng))
	r.Post("/resume", resumeHandler(eng))
	r.Get("/positions", listPositionsHandler(eng))
	r.Get("/portfolio", portfolioHandler(eng))
	r.Get("/history", tradeHistoryHandler(eng))
	r.Get("/events", eventStreamHandler(eng))

	return r
}

// StartServer serves the router and shuts down gracefully on SIGINT or
// SIGTERM. Blocks until shutdown completes.
func StartServer(eng engine.TradingEngine, port string) {
	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: NewRouter(eng),
	}

	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := eng.Stop(ctx); err != nil {
		logger.WithError(err).Error("Engine stop error")
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}
