package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"scanledger/internal/config"
	"scanledger/internal/email"
	"scanledger/internal/models"
	"scanledger/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
)

type Server struct {
	svc      *services.Service
	cfg      config.Config
	receipts *email.ResendClient
	checkout session.Client
	validate *validator.Validate
}

func NewServer(svc *services.Service, cfg config.Config) *Server {
	return &Server{
		svc:      svc,
		cfg:      cfg,
		receipts: email.NewResendClient(cfg.ResendAPIKey, cfg.ReceiptFromEmail),
		checkout: session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.StripeSecretKey},
		validate: validator.New(),
	}
}

func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				reqID := middleware.GetReqID(r.Context())
				log.Printf("[ERROR] [%s] Panic recovered in %s %s: %v\n%s",
					reqID, r.Method, r.URL.Path, rvr, debug.Stack())

				if r.Header.Get("Connection") != "Upgrade" {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "internal server error"})
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			reqID := middleware.GetReqID(r.Context())
			log.Printf("[%s] %s %s %d %s",
				reqID, r.Method, r.URL.Path, ww.Status(), time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/plans", s.handleListPlans)
		r.Get("/plans/{ref}", s.handleGetPlan)
		r.Post("/users", s.handleRegisterUser)

		// Gateways authenticate with signatures, not bearer tokens.
		r.Post("/webhooks/stripe", s.handleStripeWebhook)
		r.Post("/webhooks/gateway", s.handleGatewayWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Get("/users/by-login", s.handleStatusByLogin)
			r.Get("/users/{id}/status", s.handleGetStatus)
			r.Get("/users/{id}/payments", s.handleListPayments)
			r.Get("/users/{id}/subscriptions", s.handleListSubscriptions)
			r.Post("/users/{id}/scans", s.handleConsumeScan)

			r.Post("/payments", s.handleRecordPayment)
			r.Post("/payments/checkout", s.handleCreateCheckout)
			r.Post("/payments/{tx}/confirm", s.handleConfirmPayment)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.jwtMiddleware)
			r.Use(s.adminMiddleware)

			r.Post("/users/{id}/payments/{paymentID}/activate", s.handleAdminActivatePayment)
			r.Post("/users/{id}/plan", s.handleAdminAssignPlan)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(s.internalAPIKeyMiddleware)

			r.Post("/users/{id}/scans", s.handleInternalConsumeScan)
		})
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		respondErrorWithLog(w, r, http.StatusServiceUnavailable, err, "health")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.svc.ListPlans(r.Context())
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "list_plans")
		return
	}
	respondJSON(w, http.StatusOK, plans)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.svc.GetPlan(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "get_plan")
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req services.Registration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	user, status, err := s.svc.RegisterUser(r.Context(), req)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "register_user")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"user":   user,
		"status": status,
	})
}

type statusResponse struct {
	UserID int64  `json:"user_id"`
	Login  string `json:"login,omitempty"`
	models.Status
}

// handleStatusByLogin answers 404 both for unknown logins and for users the
// caller may not see.
func (s *Server) handleStatusByLogin(w http.ResponseWriter, r *http.Request) {
	login := r.URL.Query().Get("login")
	user, err := s.svc.UserByLogin(r.Context(), login)
	if errors.Is(err, services.ErrNotFound) || (err == nil && !canAccessUser(r.Context(), user.ID)) {
		respondError(w, http.StatusNotFound, fmt.Errorf("%w: user %q", services.ErrNotFound, strings.TrimSpace(login)))
		return
	}
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "status_by_login")
		return
	}
	status, err := s.svc.GetStatus(r.Context(), user.ID)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "status_by_login")
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{UserID: user.ID, Login: user.Login, Status: status})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.accessibleUserID(w, r)
	if !ok {
		return
	}
	status, err := s.svc.GetStatus(r.Context(), userID)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "get_status")
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{UserID: userID, Status: status})
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.accessibleUserID(w, r)
	if !ok {
		return
	}
	payments, err := s.svc.ListPayments(r.Context(), userID)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "list_payments")
		return
	}
	respondJSON(w, http.StatusOK, payments)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.accessibleUserID(w, r)
	if !ok {
		return
	}
	instances, err := s.svc.ListInstances(r.Context(), userID)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "list_subscriptions")
		return
	}
	respondJSON(w, http.StatusOK, instances)
}

func (s *Server) handleConsumeScan(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.accessibleUserID(w, r)
	if !ok {
		return
	}
	s.consumeScan(w, r, userID)
}

func (s *Server) handleInternalConsumeScan(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	s.consumeScan(w, r, userID)
}

func (s *Server) consumeScan(w http.ResponseWriter, r *http.Request, userID int64) {
	status, err := s.svc.ConsumeScan(r.Context(), userID)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "consume_scan")
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{UserID: userID, Status: status})
}

type assignPlanRequest struct {
	PlanName string `json:"plan_name" validate:"required"`
}

func (s *Server) handleAdminAssignPlan(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req assignPlanRequest
	if !s.decode(w, r, &req) {
		return
	}
	inst, err := s.svc.AssignPlan(r.Context(), userID, req.PlanName)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "assign_plan")
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

func (s *Server) handleAdminActivatePayment(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	paymentID, err := parseID(chi.URLParam(r, "paymentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.svc.ActivateFromPayment(r.Context(), userID, paymentID)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "activate_from_payment")
		return
	}
	s.sendReceipt(r, out)
	respondJSON(w, http.StatusOK, out)
}

// accessibleUserID parses {id} and rejects callers that may not read it.
func (s *Server) accessibleUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return 0, false
	}
	if !canAccessUser(r.Context(), userID) {
		respondError(w, http.StatusForbidden, errors.New("access denied"))
		return 0, false
	}
	return userID, true
}

// decode reads a JSON body into dst and runs its validate tags.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", services.ErrInvalidRequest, err))
		return false
	}
	return true
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	s.respondServiceErrorWithContext(w, nil, err, "")
}

func (s *Server) respondServiceErrorWithContext(w http.ResponseWriter, r *http.Request, err error, context string) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrQuotaExceeded):
		respondError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, services.ErrAlreadyExists):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrStripeNotConfigured):
		respondError(w, http.StatusServiceUnavailable, err)
	default:
		// ErrConflict lands here too; it is already logged as an integrity violation.
		if r != nil {
			respondErrorWithLog(w, r, http.StatusInternalServerError, err, context)
		} else {
			log.Printf("[ERROR] Internal server error: %v | Context: %s", err, context)
			respondError(w, http.StatusInternalServerError, err)
		}
	}
}

func parseID(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
