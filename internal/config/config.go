package config

import (
	"encoding/base64"
	"fmt"
)

type Config struct {
	DatabaseDSN       string
	ServerAddr        string
	SigningKey        []byte
	AllowedOrigins    []string
	GeminiAPIKey      string
	GenerationModel   string
	GuestMessageLimit int
	// StaticDir, when set, serves the built client bundle with a
	// catch-all route to index.html for client-side routing.
	StaticDir string
}

const (
	DefaultGenerationModel   = "gemini-2.5-flash"
	DefaultGuestMessageLimit = 5
)

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret, geminiAPIKey, generationModel, staticDir string, guestMessageLimit int, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if geminiAPIKey == "" {
		return nil, fmt.Errorf("gemini api key cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	if generationModel == "" {
		generationModel = DefaultGenerationModel
	}
	if guestMessageLimit <= 0 {
		guestMessageLimit = DefaultGuestMessageLimit
	}

	return &Config{
		DatabaseDSN:       databaseDSN,
		ServerAddr:        serverAddr,
		SigningKey:        signingKey,
		AllowedOrigins:    allowedOrigins,
		GeminiAPIKey:      geminiAPIKey,
		GenerationModel:   generationModel,
		GuestMessageLimit: guestMessageLimit,
		StaticDir:         staticDir,
	}, nil
}
