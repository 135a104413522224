package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"payment-form-service/internal/apperr"
	"payment-form-service/internal/form"
	"payment-form-service/internal/intake"
	"payment-form-service/internal/ledger"
	"payment-form-service/internal/settings"
	"payment-form-service/internal/token"
)

const (
	AjaxPath = "/ajax/process-payment-form"

	// Stripe caps event payloads well below this.
	maxWebhookBodyBytes = 512 * 1024
)

type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(apperr.KindOf(err))
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "Request failed", "error", err)
	}
	c.JSON(status, envelope{Success: false, Data: apperr.Message(err)})
}

func formIDParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("Invalid form ID")
	}
	return id, nil
}

func (s *Server) handleRenderForm(c *gin.Context) {
	id, err := formIDParam(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	def, err := s.deps.Forms.Get(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	nonce, err := s.deps.Tokens.Issue(token.ActionProcessPaymentForm, def.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	snapshot := s.deps.Settings.Current()
	html, err := s.deps.Renderer.Render(def, form.View{
		Nonce:     nonce,
		PublicKey: snapshot.PublicKey(),
		AjaxURL:   s.cfg.PublicURL + AjaxPath,
		TestMode:  snapshot.TestMode,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}

func (s *Server) handleProcessPaymentForm(c *gin.Context) {
	result, err := s.deps.Intake.Submit(c.Request.Context(), intake.Request{
		Nonce:    c.PostForm("nonce"),
		FormID:   c.PostForm("form_id"),
		FormData: c.PostForm("form_data"),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, result)
}

func (s *Server) handleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	outcome, err := s.deps.Webhook.Handle(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		status := apperr.HTTPStatus(apperr.KindOf(err))
		if status >= http.StatusInternalServerError {
			s.logger.ErrorContext(c.Request.Context(), "Webhook failed", "error", err)
		}
		c.JSON(status, gin.H{"error": apperr.Message(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "outcome": outcome})
}

func (s *Server) handleListForms(c *gin.Context) {
	defs, err := s.deps.Forms.List(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, defs)
}

func (s *Server) handleGetForm(c *gin.Context) {
	id, err := formIDParam(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	def, err := s.deps.Forms.Get(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, def)
}

func (s *Server) handleCreateForm(c *gin.Context) {
	var def form.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		s.respondError(c, apperr.Wrap(apperr.KindValidation, err, "Invalid request body"))
		return
	}
	saved, err := s.deps.Forms.Create(c.Request.Context(), &def)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, envelope{Success: true, Data: saved})
}

func (s *Server) handleUpdateForm(c *gin.Context) {
	id, err := formIDParam(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	var def form.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		s.respondError(c, apperr.Wrap(apperr.KindValidation, err, "Invalid request body"))
		return
	}
	def.ID = id

	saved, err := s.deps.Forms.Update(c.Request.Context(), &def)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, saved)
}

func (s *Server) handleDeleteForm(c *gin.Context) {
	id, err := formIDParam(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.deps.Forms.Delete(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetSettings(c *gin.Context) {
	respond(c, s.deps.Settings.Current().View())
}

func (s *Server) handleSaveSettings(c *gin.Context) {
	var update settings.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		s.respondError(c, apperr.Wrap(apperr.KindValidation, err, "Invalid request body"))
		return
	}
	saved, err := s.deps.Settings.Save(c.Request.Context(), update)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, saved.View())
}

func (s *Server) handleLedgerNonce(c *gin.Context) {
	nonce, err := s.deps.Tokens.Issue(token.ActionFilterTransactions, 0)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, gin.H{"nonce": nonce})
}

func (s *Server) handleLedgerFormIDs(c *gin.Context) {
	ids, err := s.deps.Ledger.FormIDs(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, ids)
}

func (s *Server) handleFilterTransactions(c *gin.Context) {
	if _, err := s.deps.Tokens.Verify(c.PostForm("nonce"), token.ActionFilterTransactions, 0); err != nil {
		s.respondError(c, apperr.Wrap(apperr.KindAuthorization, err, "Invalid security token"))
		return
	}

	var in ledger.FilterInput
	if err := c.ShouldBind(&in); err != nil {
		s.respondError(c, apperr.Wrap(apperr.KindValidation, err, "Invalid request body"))
		return
	}
	filter, err := ledger.ParseFilter(in, s.location)
	if err != nil {
		s.respondError(c, err)
		return
	}

	rows, err := s.deps.Ledger.Query(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	table, err := s.deps.Ledger.RenderTable(rows)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respond(c, table)
}
