// Package server exposes the public payment endpoints, the processor webhook
// and the admin API over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"payment-form-service/internal/config"
	"payment-form-service/internal/db"
	"payment-form-service/internal/form"
	"payment-form-service/internal/intake"
	"payment-form-service/internal/ledger"
	"payment-form-service/internal/metrics"
	"payment-form-service/internal/settings"
	"payment-form-service/internal/token"
	"payment-form-service/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

type FormService interface {
	Create(ctx context.Context, def *form.Definition) (*form.Definition, error)
	Update(ctx context.Context, def *form.Definition) (*form.Definition, error)
	Get(ctx context.Context, id int64) (*form.Definition, error)
	List(ctx context.Context) ([]*form.Definition, error)
	Delete(ctx context.Context, id int64) error
}

type FormRenderer interface {
	Render(def *form.Definition, view form.View) (string, error)
}

type TokenIssuer interface {
	Issue(action string, formID int64) (string, error)
	Verify(tok, action string, formID int64) (*token.Claims, error)
}

type IntakeService interface {
	Submit(ctx context.Context, req intake.Request) (*intake.Result, error)
}

type WebhookReceiver interface {
	Handle(ctx context.Context, payload []byte, signature string) (webhook.Outcome, error)
}

type LedgerService interface {
	Query(ctx context.Context, f ledger.Filter) ([]*db.TransactionEntity, error)
	RenderTable(rows []*db.TransactionEntity) (string, error)
	FormIDs(ctx context.Context) ([]int64, error)
}

type SettingsStore interface {
	Current() settings.Settings
	Save(ctx context.Context, update settings.Update) (settings.Settings, error)
}

type Deps struct {
	Forms    FormService
	Renderer FormRenderer
	Tokens   TokenIssuer
	Intake   IntakeService
	Webhook  WebhookReceiver
	Ledger   LedgerService
	Settings SettingsStore
}

type Server struct {
	deps     Deps
	cfg      config.Server
	router   *gin.Engine
	location *time.Location
	logger   *slog.Logger
}

func New(deps Deps, cfg config.Server, admin config.Admin, logger *slog.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		deps:     deps,
		cfg:      cfg,
		router:   router,
		location: time.Local,
		logger:   logger,
	}

	router.GET("/liveness", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/forms/:id", s.handleRenderForm)
	router.POST(AjaxPath, s.handleProcessPaymentForm)
	router.POST("/webhooks/stripe", s.handleStripeWebhook)

	adminGroup := router.Group("/admin", gin.BasicAuth(gin.Accounts{admin.User: admin.Password}))
	{
		adminGroup.GET("/forms", s.handleListForms)
		adminGroup.POST("/forms", s.handleCreateForm)
		adminGroup.GET("/forms/:id", s.handleGetForm)
		adminGroup.PUT("/forms/:id", s.handleUpdateForm)
		adminGroup.DELETE("/forms/:id", s.handleDeleteForm)

		adminGroup.GET("/settings", s.handleGetSettings)
		adminGroup.PUT("/settings", s.handleSaveSettings)

		adminGroup.GET("/transactions/nonce", s.handleLedgerNonce)
		adminGroup.GET("/transactions/forms", s.handleLedgerFormIDs)
		adminGroup.POST("/transactions/filter", s.handleFilterTransactions)
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", s.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
