package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"libris/internal/app"
	"libris/internal/config"
	"libris/internal/server"
	"libris/internal/usertoken"
	"libris/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	appCore, err := app.New(app.Config{
		IdentityBaseURL:   cfg.IdentityBaseURL,
		IdentityAPIKey:    cfg.IdentityAPIKey,
		LibraryBaseURL:    cfg.LibraryBaseURL,
		OAuthProvider:     cfg.OAuthProvider,
		CatalogBaseURL:    cfg.CatalogBaseURL,
		CatalogAPIKey:     cfg.CatalogAPIKey,
		OpenRouterAPIKey:  cfg.OpenRouterAPIKey,
		OpenRouterModel:   cfg.OpenRouterModel,
		OpenRouterReferer: cfg.OpenRouterReferer,
		OpenRouterTitle:   cfg.OpenRouterTitle,
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		QuotaDailyLimit:   cfg.QuotaDailyLimit,
		DataDir:           cfg.DataDir,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.IdentityJWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                         appCore,
		TokenVerifier:               verifier,
		RedisAddr:                   cfg.RedisAddr,
		RedisPassword:               cfg.RedisPassword,
		AssistantRateLimitPerMinute: cfg.AssistantRateLimitPerMinute,
		TrustedProxyCIDRs:           cfg.TrustedProxyCIDRs,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
