package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"scanledger/internal/services"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const maxWebhookBody = 64 << 10

var errInvalidSignature = errors.New("invalid webhook signature")

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeWebhookSecret == "" {
		s.respondServiceError(w, services.ErrStripeNotConfigured)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.cfg.StripeWebhookSecret)
	if err != nil {
		respondErrorWithLog(w, r, http.StatusBadRequest, err, "stripe_signature")
		return
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			log.Printf("[INFO] [%s] Stripe session %s not paid yet (%s)", middleware.GetReqID(r.Context()), sess.ID, sess.PaymentStatus)
			break
		}
		if sess.ClientReferenceID == "" {
			respondError(w, http.StatusBadRequest, errors.New("checkout session without client_reference_id"))
			return
		}
		s.confirm(w, r, sess.ClientReferenceID, "stripe_webhook")
		return
	default:
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// gatewayEvent is the payment gateway's success callback body.
type gatewayEvent struct {
	OrderID string `json:"orderId" validate:"required"`
	Status  string `json:"status" validate:"required"`
}

// handleGatewayWebhook accepts callbacks signed with HMAC-SHA256 over the raw
// body, hex encoded in X-Signature.
func (s *Server) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.GatewayWebhookSecret == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("gateway webhook secret not configured"))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if !verifyGatewaySignature(payload, r.Header.Get("X-Signature"), s.cfg.GatewayWebhookSecret) {
		respondErrorWithLog(w, r, http.StatusUnauthorized, errInvalidSignature, "gateway_signature")
		return
	}

	var event gatewayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(event); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if !strings.EqualFold(event.Status, "success") {
		log.Printf("[INFO] [%s] Gateway event for %s ignored: status=%s", middleware.GetReqID(r.Context()), event.OrderID, event.Status)
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	s.confirm(w, r, event.OrderID, "gateway_webhook")
}

func signGatewayPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyGatewaySignature(payload []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	expected := signGatewayPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
