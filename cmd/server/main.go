package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/normieai/normie-chat/internal/api"
	"github.com/normieai/normie-chat/internal/config"
	"github.com/normieai/normie-chat/internal/database"
	"github.com/normieai/normie-chat/internal/gate"
	"github.com/normieai/normie-chat/internal/server"
	"github.com/normieai/normie-chat/internal/stats"
	"github.com/normieai/normie-chat/internal/translation"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	model          string
	staticDir      string
	guestLimit     int
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.StringVar(&model, "model", config.DefaultGenerationModel, "generation model name")
	flag.StringVar(&staticDir, "static-dir", "", "directory with the built client bundle (optional)")
	flag.IntVar(&guestLimit, "guest-limit", config.DefaultGuestMessageLimit, "messages a guest may send per room")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[normie-chat] ", log.LstdFlags)

	// GEMINI_API_KEY comes from the environment; a .env file is optional
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Println("load .env:", err)
	}

	cfg, err := config.NewConfig(addr, dsn, signingKey, os.Getenv("GEMINI_API_KEY"), model, staticDir, guestLimit, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	genClient, err := translation.NewGeminiClient(context.Background(), cfg.GeminiAPIKey, cfg.GenerationModel, logger)
	if err != nil {
		logger.Fatal("gemini client:", err)
	}
	defer func() {
		if err := genClient.Close(); err != nil {
			logger.Println("gemini client close:", err)
		}
	}()

	dispatcher := translation.NewDispatcher(genClient, logger)
	deliveryGate := gate.NewDeliveryGate(dbConn, cfg.GuestMessageLimit, logger)

	chatServer, err := server.NewChatServer(logger, dbConn, deliveryGate, dispatcher, statsUpdater)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewChatApp(mux, logger, chatServer, dbConn, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
