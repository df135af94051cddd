package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"scanledger/internal/email"
	"scanledger/internal/models"
	"scanledger/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stripe/stripe-go/v76"
)

type recordPaymentRequest struct {
	UserID int64  `json:"user_id" validate:"required,gt=0"`
	PlanID int64  `json:"plan_id" validate:"required,gt=0"`
	Amount int    `json:"amount" validate:"gte=0"`
	Method string `json:"method" validate:"max=32"`
}

func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var req recordPaymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !canAccessUser(r.Context(), req.UserID) {
		respondError(w, http.StatusForbidden, errors.New("access denied"))
		return
	}
	payment, err := s.svc.RecordPaymentAttempt(r.Context(), req.UserID, req.PlanID, req.Amount, req.Method)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "record_payment")
		return
	}
	respondJSON(w, http.StatusCreated, payment)
}

type createCheckoutRequest struct {
	UserID     int64  `json:"user_id" validate:"required,gt=0"`
	PlanID     int64  `json:"plan_id" validate:"required,gt=0"`
	SuccessURL string `json:"success_url" validate:"required,url"`
	CancelURL  string `json:"cancel_url" validate:"required,url"`
}

// handleCreateCheckout records a pending payment and opens a Stripe checkout
// session whose client reference is the payment's transaction id.
func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())

	if !s.cfg.StripeEnabled() {
		s.respondServiceErrorWithContext(w, r, services.ErrStripeNotConfigured, "stripe_not_configured")
		return
	}
	var req createCheckoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !canAccessUser(r.Context(), req.UserID) {
		respondErrorWithLog(w, r, http.StatusForbidden, errors.New("access denied"), "access_denied")
		return
	}

	plan, err := s.svc.GetPlan(r.Context(), strconv.FormatInt(req.PlanID, 10))
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "get_plan")
		return
	}
	if plan.PriceCents <= 0 {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: plan %s is not purchasable", services.ErrInvalidRequest, plan.Name))
		return
	}
	payment, err := s.svc.RecordPaymentAttempt(r.Context(), req.UserID, plan.ID, 0, models.PaymentMethodStripe)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "record_payment")
		return
	}
	log.Printf("[INFO] [%s] Checkout payment recorded: tx=%s plan=%s", reqID, payment.TransactionID, plan.Name)

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(payment.TransactionID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(s.cfg.StripeCurrency),
					UnitAmount: stripe.Int64(int64(payment.Amount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(plan.Name),
						Description: stripe.String(fmt.Sprintf("%d scans for %d days", plan.ScanQuota, plan.DurationDays)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"transaction_id": payment.TransactionID,
			"user_id":        strconv.FormatInt(req.UserID, 10),
			"plan":           plan.Name,
		},
	}
	sess, err := s.checkout.New(params)
	if err != nil {
		s.respondStripeError(w, r, err, "stripe_session_create")
		return
	}
	log.Printf("[INFO] [%s] Stripe session created: id=%s tx=%s", reqID, sess.ID, payment.TransactionID)
	respondJSON(w, http.StatusCreated, map[string]any{
		"payment":        payment,
		"stripe_session": sess.ID,
		"checkout_url":   sess.URL,
	})
}

// handleConfirmPayment is the client-side success callback. Owners may only
// confirm stripe payments, and only once Stripe reports the checkout session
// named by ?session_id as paid. Other methods settle through their webhook or
// an admin.
func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "tx")
	payment, err := s.svc.PaymentByTransactionID(r.Context(), transactionID)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "lookup_payment")
		return
	}
	if !canAccessUser(r.Context(), payment.UserID) {
		respondError(w, http.StatusForbidden, errors.New("access denied"))
		return
	}
	if isAdmin(r.Context()) || payment.Status == models.PaymentSuccess {
		s.confirm(w, r, transactionID, "confirm_payment")
		return
	}
	if payment.Method != models.PaymentMethodStripe {
		respondErrorWithLog(w, r, http.StatusForbidden,
			fmt.Errorf("%s payments are confirmed by the gateway", payment.Method), "confirm_payment")
		return
	}
	if !s.cfg.StripeEnabled() {
		s.respondServiceErrorWithContext(w, r, services.ErrStripeNotConfigured, "stripe_not_configured")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	sess, err := s.checkout.Get(sessionID, nil)
	if err != nil {
		s.respondStripeError(w, r, err, "stripe_session_get")
		return
	}
	if err := checkPaidSession(sess, payment); err != nil {
		respondErrorWithLog(w, r, http.StatusPaymentRequired, err, "confirm_payment")
		return
	}
	s.confirm(w, r, transactionID, "confirm_payment")
}

// checkPaidSession reports whether sess settles payment in full.
func checkPaidSession(sess *stripe.CheckoutSession, payment models.Payment) error {
	if sess.ClientReferenceID != payment.TransactionID {
		return fmt.Errorf("checkout session %s does not belong to payment %s", sess.ID, payment.TransactionID)
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return fmt.Errorf("checkout session %s is %s", sess.ID, sess.PaymentStatus)
	}
	if sess.AmountTotal < int64(payment.Amount) {
		return fmt.Errorf("checkout session %s paid %d of %d", sess.ID, sess.AmountTotal, payment.Amount)
	}
	return nil
}

func (s *Server) respondStripeError(w http.ResponseWriter, r *http.Request, err error, step string) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Printf("[ERROR] [%s] Stripe API error: type=%s, code=%s, message=%s, param=%s",
			middleware.GetReqID(r.Context()), stripeErr.Type, stripeErr.Code, stripeErr.Msg, stripeErr.Param)
		respondErrorWithLog(w, r, http.StatusBadGateway,
			fmt.Errorf("stripe error: %s - %s", stripeErr.Code, stripeErr.Msg), "stripe_api")
		return
	}
	respondErrorWithLog(w, r, http.StatusInternalServerError, err, step)
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request, transactionID, step string) {
	out, err := s.svc.ConfirmPayment(r.Context(), transactionID)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, step)
		return
	}
	s.sendReceipt(r, out)
	respondJSON(w, http.StatusOK, out)
}

// sendReceipt mails the user after a fresh activation. Delivery runs detached
// from the request and failures are only logged.
func (s *Server) sendReceipt(r *http.Request, out services.Outcome) {
	if out.AlreadyConfirmed || !s.receipts.IsConfigured() || out.User.Email == "" {
		return
	}
	reqID := middleware.GetReqID(r.Context())
	receipt := email.Receipt{
		Login:         out.User.Login,
		PlanName:      out.Plan.Name,
		Scans:         out.Instance.RemainingScans,
		EndsAt:        out.Instance.EndsAt,
		TransactionID: out.Payment.TransactionID,
	}
	to := out.User.Email
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.receipts.SendActivationReceipt(ctx, to, receipt); err != nil {
			log.Printf("[WARN] [%s] activation receipt for tx=%s: %v", reqID, receipt.TransactionID, err)
		}
	}()
}
