// cmd/server/main.go
package main

import (
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/coffeederby/derby/internal/auth"
	"github.com/coffeederby/derby/internal/middleware"
	"github.com/coffeederby/derby/internal/relay"
)

func main() {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	}

	tokens, err := auth.NewTokens(0)
	if err != nil {
		log.Fatalf("failed to init resume tokens: %v", err)
	}

	reg := relay.NewRegistry(logger)

	publicOrigin := os.Getenv("PUBLIC_ORIGIN")
	if publicOrigin == "" {
		publicOrigin = "http://localhost:3000"
	}

	r := chi.NewRouter()
	r.Use(middleware.LogMiddleware(logger))

	r.Get("/healthz", relay.HealthHandler())
	r.Get("/rooms/ws/{code}", relay.WSHandler(logger, reg, tokens))
	r.Get("/rooms/{code}", relay.SnapshotHandler(reg))
	r.Get("/join/{code}/qr.png", relay.QRHandler(publicOrigin))

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	logger.Infof("relay listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
