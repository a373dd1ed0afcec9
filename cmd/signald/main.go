// signald is a minimal websocket signaling relay for callkit clients. It
// routes call signaling between user identities and parks messages for
// briefly offline devices.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	signalpkg "github.com/loqui-im/callkit/signal"
)

func main() {
	godotenv.Load()

	if level, err := logrus.ParseLevel(os.Getenv("SIGNALD_LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}

	addr := os.Getenv("SIGNALD_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	relay := signalpkg.NewRelay()
	defer relay.Close()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Get("/ws", relay.Handler())

	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		logrus.Info("Shutting down")
		server.Close()
	}()

	logrus.WithField("addr", addr).Info("Signaling relay listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithField("error", err.Error()).Fatal("Relay server failed")
	}
}
