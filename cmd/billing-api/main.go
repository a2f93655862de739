package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/billingworks/billing-api/api/swagger"
	"github.com/billingworks/billing-api/internal/handler"
	"github.com/billingworks/billing-api/internal/middleware"
	"github.com/billingworks/billing-api/internal/repository"
	"github.com/billingworks/billing-api/internal/service"
	"github.com/billingworks/billing-api/pkg/cache"
	"github.com/billingworks/billing-api/pkg/config"
	"github.com/billingworks/billing-api/pkg/database"
	"github.com/billingworks/billing-api/pkg/logger"
	corsmiddleware "github.com/billingworks/billing-api/pkg/middleware/cors"
	reqidmiddleware "github.com/billingworks/billing-api/pkg/middleware/requestid"
	"github.com/billingworks/billing-api/pkg/token"
)

// @title Billing API
// @version 0.1.0
// @description Session and token management for the billing application
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close() //nolint:errcheck

	userRepo := repository.NewUserRepository(db)

	var tokenStore service.TokenStore
	switch cfg.Auth.TokenStore {
	case config.TokenStorePostgres:
		tokenStore = repository.NewTokenRepository(db)
	case config.TokenStoreRedis:
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Fatalw("failed to connect to redis", "error", err)
		}
		defer redisClient.Close() //nolint:errcheck
		tokenStore = repository.NewRedisTokenStore(redisClient)
	default:
		logr.Warn("no token store configured; refresh and logout are unavailable")
	}

	codec := token.NewCodec(token.Config{
		Secret:            cfg.JWT.Secret,
		Issuer:            cfg.JWT.Issuer,
		Audience:          cfg.JWT.Audience,
		AccessTokenExpiry: cfg.JWT.AccessTokenExpiry,
	})

	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(
		userRepo,
		tokenStore,
		codec,
		service.BcryptVerifier{},
		validator.New(),
		logr,
		metricsSvc,
		service.AuthConfig{RefreshTokenExpiry: cfg.JWT.RefreshTokenExpiry},
	)

	authHandler := handler.NewAuthHandler(authSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", metricsHandler.Scrape)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	login := r.Group("/api/Login")
	{
		login.POST("/login", authHandler.Login)
		login.POST("/refresh", authHandler.Refresh)
		login.POST("/logout", authHandler.Logout)
		login.GET("/me", middleware.JWT(codec), authHandler.Me)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env, "token_store", cfg.Auth.TokenStore)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
