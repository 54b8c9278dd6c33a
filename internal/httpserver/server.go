// Package httpserver exposes the token ledger over a gin HTTP API.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"github.com/video0-dev/tokenledger/internal/billing/polar"
	"github.com/video0-dev/tokenledger/internal/generation"
	"github.com/video0-dev/tokenledger/pkg/tokens"
	"go.uber.org/zap"
)

const (
	maxWebhookBodyBytes = 1 << 20

	statusSuccess             = "success"
	statusInsufficientCredits = "insufficient_credits"
	statusOK                  = "ok"
	statusIgnored             = "ignored"
)

// Run boots the HTTP API using the supplied configuration and store.
func Run(ctx context.Context, cfg Config, store tokens.Store) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	catalog := tokens.DefaultCatalog()
	if len(cfg.ProductCredits) > 0 {
		catalog, err = tokens.NewCatalog(cfg.ProductCredits)
		if err != nil {
			return fmt.Errorf("product catalog: %w", err)
		}
	}

	billingClient := polar.NewClient(cfg.PolarBaseURL, cfg.PolarAccessToken)
	pipeline, err := generation.NewClient(cfg.RenderBaseURL, cfg.RenderAPIKey)
	if err != nil {
		return fmt.Errorf("render client: %w", err)
	}
	verifier, err := polar.NewWebhookVerifier(cfg.PolarWebhookSecret)
	if err != nil {
		return fmt.Errorf("webhook verifier: %w", err)
	}

	service, err := tokens.NewService(
		store,
		pipeline,
		billingClient,
		catalog,
		func() int64 { return time.Now().UTC().Unix() },
		tokens.WithOperationLogger(zapOperationLogger{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:   logger,
		service:  service,
		verifier: verifier,
		cfg:      cfg,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("token api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhook/polar", handler.handlePolarWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware("auth_claims"))

	api.GET("/tokens", handler.handleBalance)
	api.GET("/tokens/history", handler.handleHistory)
	api.POST("/tokens/checkout", handler.handleCheckout)
	api.POST("/generations", handler.handleGenerate)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	service  *tokens.Service
	verifier *polar.WebhookVerifier
	cfg      Config
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	profileID, ok := handler.profileFromClaims(ctx)
	if !ok {
		return
	}
	ledger, err := handler.service.Balance(ctx.Request.Context(), profileID)
	if err != nil {
		handler.logger.Error("balance failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, balancePayload{
		AvailableTokens:    ledger.AvailableTokens,
		InitialTokenAmount: ledger.InitialTokenAmount,
	})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	profileID, ok := handler.profileFromClaims(ctx)
	if !ok {
		return
	}
	transactions, err := handler.service.ListTransactions(ctx.Request.Context(), profileID, handler.cfg.HistoryLimit)
	if err != nil {
		handler.logger.Error("history failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "history unavailable"))
		return
	}
	entries := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		entries = append(entries, transactionPayload{
			TransactionID:  transaction.TransactionID,
			Kind:           transaction.Kind.String(),
			Amount:         transaction.Amount.Int64(),
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": entries})
}

func (handler *httpHandler) handleCheckout(ctx *gin.Context) {
	profileID, ok := handler.profileFromClaims(ctx)
	if !ok {
		return
	}
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.ChatID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "chat_id is required"))
		return
	}
	claims := getClaims(ctx)
	successURL := fmt.Sprintf("%s/chat/%s", handler.cfg.SuccessRedirectBaseURL, request.ChatID)

	session, err := handler.service.Checkout(ctx.Request.Context(), profileID, claims.GetUserEmail(), successURL)
	if err != nil {
		handler.logger.Error("checkout failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("billing_error", "checkout unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"url": session.URL})
}

func (handler *httpHandler) handleGenerate(ctx *gin.Context) {
	profileID, ok := handler.profileFromClaims(ctx)
	if !ok {
		return
	}
	var request generateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.ChatID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "chat_id is required"))
		return
	}

	result, err := handler.service.Generate(ctx.Request.Context(), profileID, tokens.GenerationRequest{
		ProfileID: profileID,
		ChatID:    request.ChatID,
		Lyrics:    request.Lyrics,
		Style:     request.Style,
	})
	if err != nil {
		if errors.Is(err, tokens.ErrInsufficientCredits) {
			generationsTotal.WithLabelValues(statusInsufficientCredits).Inc()
			handler.respondGenerationStatus(ctx, profileID, statusInsufficientCredits)
			return
		}
		generationsTotal.WithLabelValues("error").Inc()
		handler.logger.Error("generation failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("generation_error", "generation failed"))
		return
	}

	generationsTotal.WithLabelValues(statusSuccess).Inc()
	ledger, err := handler.service.Balance(ctx.Request.Context(), profileID)
	if err != nil {
		handler.logger.Error("balance fetch after generation failed", zap.Error(err))
		ctx.JSON(http.StatusOK, gin.H{
			"status":    statusSuccess,
			"asset_id":  result.AssetID,
			"asset_url": result.AssetURL,
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":           statusSuccess,
		"asset_id":         result.AssetID,
		"asset_url":        result.AssetURL,
		"available_tokens": ledger.AvailableTokens,
	})
}

func (handler *httpHandler) respondGenerationStatus(ctx *gin.Context, profileID tokens.ProfileID, status string) {
	ledger, err := handler.service.Balance(ctx.Request.Context(), profileID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusOK, gin.H{"status": status})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":           status,
		"available_tokens": ledger.AvailableTokens,
	})
}

func (handler *httpHandler) handlePolarWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	if err := handler.verifier.Verify(payload, ctx.Request.Header); err != nil {
		topupsTotal.WithLabelValues("rejected").Inc()
		handler.logger.Warn("webhook signature rejected", zap.Error(err))
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_signature", "signature verification failed"))
		return
	}

	event, err := polar.ParseOrderPaid(payload)
	if err != nil {
		if errors.Is(err, polar.ErrEventIgnored) {
			ctx.JSON(http.StatusOK, gin.H{"status": statusIgnored})
			return
		}
		topupsTotal.WithLabelValues("invalid").Inc()
		handler.logger.Warn("webhook payload rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "undecodable event"))
		return
	}

	if err := handler.service.ApplyTopup(ctx.Request.Context(), event); err != nil {
		// Replays acknowledge without re-crediting.
		if errors.Is(err, tokens.ErrDuplicateTopupEvent) {
			topupsTotal.WithLabelValues("duplicate").Inc()
			ctx.JSON(http.StatusOK, gin.H{"status": statusOK})
			return
		}
		if errors.Is(err, tokens.ErrInvalidTopupEvent) {
			topupsTotal.WithLabelValues("invalid").Inc()
			handler.logger.Warn("topup rejected", zap.Error(err))
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_event", "event not creditable"))
			return
		}
		topupsTotal.WithLabelValues("error").Inc()
		handler.logger.Error("topup failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "topup failed"))
		return
	}

	topupsTotal.WithLabelValues("applied").Inc()
	ctx.JSON(http.StatusOK, gin.H{"status": statusOK})
}

func (handler *httpHandler) profileFromClaims(ctx *gin.Context) (tokens.ProfileID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return tokens.ProfileID{}, false
	}
	profileID, err := tokens.NewProfileID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid subject"))
		return tokens.ProfileID{}, false
	}
	return profileID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get("auth_claims")
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type checkoutRequest struct {
	ChatID string `json:"chat_id"`
}

type generateRequest struct {
	ChatID string `json:"chat_id"`
	Lyrics string `json:"lyrics"`
	Style  string `json:"style"`
}

type balancePayload struct {
	AvailableTokens    int64 `json:"available_tokens"`
	InitialTokenAmount int64 `json:"initial_token_amount"`
}

type transactionPayload struct {
	TransactionID  string `json:"transaction_id"`
	Kind           string `json:"kind"`
	Amount         int64  `json:"amount"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger zapOperationLogger) LogOperation(_ context.Context, entry tokens.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("profile_id", entry.ProfileID.String()),
		zap.String("status", entry.Status),
	}
	if entry.OrderID.String() != "" {
		fields = append(fields, zap.String("order_id", entry.OrderID.String()))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("token operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("token operation", fields...)
}
