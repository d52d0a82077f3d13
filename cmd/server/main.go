package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"tinytales/internal/app"
	"tinytales/internal/config"
	"tinytales/internal/ratelimit"
	"tinytales/internal/server"
	"tinytales/internal/usertoken"
	"tinytales/internal/util"
	"tinytales/pkg/ai"
	"tinytales/pkg/storage"
	"tinytales/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		slog.Error("connect database", "err", err)
		os.Exit(1)
	}

	textGen, err := buildTextGenerator(cfg)
	if err != nil {
		slog.Error("init text generator", "err", err)
		os.Exit(1)
	}
	imageGen := ai.NewOpenAIImageGenerator(cfg.ImageBaseURL, cfg.ImageAPIKey, cfg.ImageModel, cfg.ImageSize)

	resolver, err := buildResolver(cfg)
	if err != nil {
		slog.Error("init image storage", "err", err)
		os.Exit(1)
	}

	application, err := app.New(app.Config{
		Store:    st,
		TextGen:  textGen,
		ImageGen: imageGen,
		Resolver: resolver,
	})
	if err != nil {
		slog.Error("init app", "err", err)
		os.Exit(1)
	}

	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		slog.Error("parse jwt leeway", "err", err)
		os.Exit(1)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.AuthJWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		slog.Error("init token verifier", "err", err)
		os.Exit(1)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" && cfg.StoryRatePerMinute > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.StoryRatePerMinute, time.Minute)
		if err != nil {
			slog.Error("init rate limiter", "err", err)
			os.Exit(1)
		}
	}

	srv, err := server.New(server.Config{
		App:            application,
		TokenVerifier:  verifier,
		StoryLimiter:   limiter,
		BillingSecret:  cfg.BillingWebhookSecret,
		TrustForwarded: cfg.TrustForwarded,
	})
	if err != nil {
		slog.Error("init server", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Story generation sequences several provider calls per request.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("listening", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func buildTextGenerator(cfg config.FileConfig) (ai.TextGenerator, error) {
	if cfg.TextProvider == "gemini" {
		return ai.NewGeminiGenerator(cfg.TextAPIKey, cfg.TextModel, cfg.TextMaxTokens)
	}
	return ai.NewOpenAICompatGenerator(cfg.TextBaseURL, cfg.TextAPIKey, cfg.TextModel, cfg.TextMaxTokens), nil
}

func buildResolver(cfg config.FileConfig) (*storage.Resolver, error) {
	var remote *storage.MinioStore
	var local *storage.FileStore
	var err error
	if cfg.MinioEndpoint != "" {
		remote, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioPublicBaseURL, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
	}
	if cfg.LocalImageDir != "" {
		local, err = storage.NewFileStore(cfg.LocalImageDir, cfg.LocalImageBaseURL)
		if err != nil {
			return nil, err
		}
	}
	return storage.NewResolver(remote, local), nil
}
