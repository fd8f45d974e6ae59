package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/tmchealth/backend/internal/config"
	"github.com/tmchealth/backend/internal/models"
)

const balanceCacheTTL = 30 * time.Second

// CreditService is the HTTP surface over the ledger engine.
type CreditService struct {
	redis     *redis.Client
	ledger    *LedgerService
	pricing   *config.PricingConfig
	validator *ValidationHelper
}

// RechargeRequest represents a TMC credit recharge
type RechargeRequest struct {
	Amount int64  `json:"amount" validate:"required,gt=0"`
	Method string `json:"method" validate:"required,oneof=pix credit_card debit_card boleto health_plan bank_transfer"`
}

// TransferRequest represents a credit transfer between users
type TransferRequest struct {
	ToUserID int    `json:"toUserId" validate:"required,gt=0"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
	Reason   string `json:"reason" validate:"required,max=200"`
}

// FeatureChargeRequest represents a paid feature invocation
type FeatureChargeRequest struct {
	Feature       string `json:"feature" validate:"required,oneof=ai_triage ai_diagnosis video_consultation prescription_signing"`
	AppointmentID *int   `json:"appointmentId,omitempty"`
}

// ConsultationPaymentRequest pays a doctor for a completed appointment. The
// payment debits the patient, credits the doctor, and fans out hierarchical
// commissions from the doctor's earnings.
type ConsultationPaymentRequest struct {
	DoctorID      int   `json:"doctorId" validate:"required,gt=0"`
	Amount        int64 `json:"amount" validate:"required,gt=0"`
	AppointmentID *int  `json:"appointmentId,omitempty"`
}

func NewCreditService(ledger *LedgerService, redisClient *redis.Client, pricing *config.PricingConfig) *CreditService {
	if pricing == nil {
		pricing = config.LoadPricingConfig()
	}
	return &CreditService{
		redis:     redisClient,
		ledger:    ledger,
		pricing:   pricing,
		validator: NewValidationHelper(),
	}
}

// GetBalance returns the caller's TMC balance
// @Summary Get TMC balance
// @Description Current TMC credit balance of the authenticated user
// @Tags credits
// @Produce json
// @Success 200 {object} object{userId=int,balance=int}
// @Failure 401 {object} ErrorResponse
// @Router /credits/balance [get]
func (cs *CreditService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if cached, ok := cs.cachedBalance(r.Context(), userID); ok {
		writeJSON(w, map[string]any{"userId": userID, "balance": cached, "cached": true})
		return
	}

	balance, err := cs.ledger.GetUserBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[CREDITS] Balance read failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to read balance", http.StatusInternalServerError, nil)
		return
	}

	cs.cacheBalance(r.Context(), userID, balance)
	writeJSON(w, map[string]any{"userId": userID, "balance": balance})
}

// GetTransactions lists the caller's ledger history
// @Summary List TMC transactions
// @Description Transaction history of the authenticated user, newest first
// @Tags credits
// @Produce json
// @Param limit query int false "Max rows (default 50)"
// @Success 200 {array} models.TMCTransaction
// @Failure 401 {object} ErrorResponse
// @Router /credits/transactions [get]
func (cs *CreditService) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := cs.ledger.GetTransactionHistory(r.Context(), userID, limit)
	if err != nil {
		log.Printf("[CREDITS] History read failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to read transactions", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, history)
}

// Recharge credits the caller's balance via a payment method
// @Summary Recharge TMC credits
// @Description Credit the authenticated user's balance after an external payment
// @Tags credits
// @Accept json
// @Produce json
// @Param request body RechargeRequest true "Recharge data"
// @Success 200 {object} models.TMCTransaction
// @Failure 400 {object} ErrorResponse
// @Router /credits/recharge [post]
func (cs *CreditService) Recharge(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req RechargeRequest
	if !cs.decode(w, r, &req) {
		return
	}

	record, err := cs.ledger.RechargeCredits(r.Context(), userID, req.Amount, req.Method)
	if err != nil {
		cs.writeLedgerError(w, userID, "recharge", err)
		return
	}

	cs.invalidateBalance(r.Context(), userID)
	log.Printf("[CREDITS] User %d recharged %d TMC via %s", userID, req.Amount, req.Method)
	writeJSON(w, record)
}

// Transfer moves credits from the caller to another user
// @Summary Transfer TMC credits
// @Description Atomic credit transfer between the authenticated user and a recipient
// @Tags credits
// @Accept json
// @Produce json
// @Param request body TransferRequest true "Transfer data"
// @Success 200 {object} object{debit=models.TMCTransaction,credit=models.TMCTransaction}
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /credits/transfer [post]
func (cs *CreditService) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req TransferRequest
	if !cs.decode(w, r, &req) {
		return
	}

	if req.ToUserID == userID {
		SendErrorResponse(w, "Cannot transfer credits to yourself", http.StatusBadRequest, nil)
		return
	}

	debitTx, creditTx, err := cs.ledger.TransferCredits(r.Context(), userID, req.ToUserID, req.Amount, req.Reason)
	if err != nil {
		cs.writeLedgerError(w, userID, "transfer", err)
		return
	}

	cs.invalidateBalance(r.Context(), userID)
	cs.invalidateBalance(r.Context(), req.ToUserID)
	writeJSON(w, map[string]any{"debit": debitTx, "credit": creditTx})
}

// ChargeFeature debits the caller for a paid platform feature
// @Summary Charge a paid feature
// @Description Debit the authenticated user the configured TMC price of a feature
// @Tags credits
// @Accept json
// @Produce json
// @Param request body FeatureChargeRequest true "Feature charge data"
// @Success 200 {object} models.TMCTransaction
// @Failure 402 {object} ErrorResponse
// @Router /credits/charge-feature [post]
func (cs *CreditService) ChargeFeature(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req FeatureChargeRequest
	if !cs.decode(w, r, &req) {
		return
	}

	cost := cs.pricing.CostFor(req.Feature)
	record, err := cs.ledger.ProcessDebit(r.Context(), userID, cost,
		fmt.Sprintf("Feature usage: %s", req.Feature), models.TransactionRef{
			FunctionUsed:  req.Feature,
			AppointmentID: req.AppointmentID,
		})
	if err != nil {
		cs.writeLedgerError(w, userID, req.Feature, err)
		return
	}

	cs.invalidateBalance(r.Context(), userID)
	writeJSON(w, record)
}

// PayConsultation settles a completed consultation
// @Summary Pay for a consultation
// @Description Debit the patient, credit the doctor and fan out hierarchical commissions
// @Tags credits
// @Accept json
// @Produce json
// @Param request body ConsultationPaymentRequest true "Consultation payment data"
// @Success 200 {object} object{payment=models.TMCTransaction,earning=models.TMCTransaction,commissions=[]models.TMCTransaction}
// @Failure 402 {object} ErrorResponse
// @Router /credits/consultation-payment [post]
func (cs *CreditService) PayConsultation(w http.ResponseWriter, r *http.Request) {
	patientID, ok := requestUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req ConsultationPaymentRequest
	if !cs.decode(w, r, &req) {
		return
	}

	payment, err := cs.ledger.ProcessDebit(r.Context(), patientID, req.Amount,
		"Video consultation payment", models.TransactionRef{
			FunctionUsed:  "video_consultation",
			RelatedUserID: &req.DoctorID,
			AppointmentID: req.AppointmentID,
		})
	if err != nil {
		cs.writeLedgerError(w, patientID, "consultation payment", err)
		return
	}

	earning, err := cs.ledger.ProcessCredit(r.Context(), req.DoctorID, req.Amount,
		"Video consultation earning", models.TransactionRef{
			FunctionUsed:  "video_consultation",
			RelatedUserID: &patientID,
			AppointmentID: req.AppointmentID,
		})
	if err != nil {
		cs.writeLedgerError(w, req.DoctorID, "consultation earning", err)
		return
	}

	commissions, err := cs.ledger.ProcessHierarchicalCommission(r.Context(),
		req.DoctorID, req.Amount, "video_consultation", req.AppointmentID)
	if err != nil {
		log.Printf("[CREDITS] Commission fan-out failed for doctor %d: %v", req.DoctorID, err)
		SendErrorResponse(w, "Failed to process commissions", http.StatusInternalServerError, nil)
		return
	}

	cs.invalidateBalance(r.Context(), patientID)
	cs.invalidateBalance(r.Context(), req.DoctorID)
	writeJSON(w, map[string]any{
		"payment":     payment,
		"earning":     earning,
		"commissions": commissions,
	})
}

func (cs *CreditService) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeRequest(w, r, cs.validator, dst)
}

func (cs *CreditService) writeLedgerError(w http.ResponseWriter, userID int, operation string, err error) {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		SendErrorResponse(w, "Insufficient TMC balance", http.StatusPaymentRequired, nil)
	case errors.Is(err, ErrUserNotFound):
		SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
	case errors.Is(err, ErrRecipientNotFound):
		SendErrorResponse(w, "Recipient not found", http.StatusNotFound, nil)
	case errors.Is(err, ErrInvalidAmount):
		SendErrorResponse(w, "Amount must be positive", http.StatusBadRequest, nil)
	case errors.Is(err, ErrSelfTransfer):
		SendErrorResponse(w, "Cannot transfer credits to yourself", http.StatusBadRequest, nil)
	default:
		log.Printf("[CREDITS] %s failed for user %d: %v", operation, userID, err)
		SendErrorResponse(w, "Ledger operation failed", http.StatusInternalServerError, nil)
	}
}

func (cs *CreditService) cachedBalance(ctx context.Context, userID int) (int64, bool) {
	if cs.redis == nil {
		return 0, false
	}
	val, err := cs.redis.Get(ctx, balanceCacheKey(userID)).Int64()
	if err != nil {
		return 0, false
	}
	return val, true
}

func (cs *CreditService) cacheBalance(ctx context.Context, userID int, balance int64) {
	if cs.redis == nil {
		return
	}
	cs.redis.Set(ctx, balanceCacheKey(userID), balance, balanceCacheTTL)
}

func (cs *CreditService) invalidateBalance(ctx context.Context, userID int) {
	if cs.redis == nil {
		return
	}
	cs.redis.Del(ctx, balanceCacheKey(userID))
}

func balanceCacheKey(userID int) string {
	return fmt.Sprintf("tmc:balance:%d", userID)
}

func requestUserID(r *http.Request) (int, bool) {
	raw, ok := r.Context().Value("userID").(string)
	if !ok || raw == "" {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}
