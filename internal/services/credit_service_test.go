package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/tmchealth/backend/internal/config"
)

func newCreditTestService(t *testing.T) (*CreditService, sqlmock.Sqlmock, redismock.ClientMock, func()) {
	t.Helper()
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)

	redisClient, redisMock := redismock.NewClientMock()
	pricing := &config.PricingConfig{
		AITriage:            5,
		AIDiagnosis:         10,
		VideoConsultation:   50,
		PrescriptionSigning: 2,
		DefaultFeatureCost:  1,
	}
	service := NewCreditService(NewLedgerService(db), redisClient, pricing)
	return service, dbMock, redisMock, func() { db.Close() }
}

func TestCreditService_GetBalance(t *testing.T) {
	t.Run("reads balance and caches it", func(t *testing.T) {
		service, dbMock, redisMock, closeDB := newCreditTestService(t)
		defer closeDB()

		redisMock.ExpectGet("tmc:balance:42").RedisNil()
		dbMock.ExpectQuery("SELECT COALESCE\\(credits, 0\\) FROM users WHERE id = \\$1").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(120))
		redisMock.ExpectSet("tmc:balance:42", int64(120), balanceCacheTTL).SetVal("OK")

		r := authenticatedRequest("GET", "/credits/balance", nil, "42")
		w := httptest.NewRecorder()
		service.GetBalance(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, float64(120), resp["balance"])
		assert.NoError(t, redisMock.ExpectationsWereMet())
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("serves the cached balance without touching the database", func(t *testing.T) {
		service, dbMock, redisMock, closeDB := newCreditTestService(t)
		defer closeDB()

		redisMock.ExpectGet("tmc:balance:42").SetVal("120")

		r := authenticatedRequest("GET", "/credits/balance", nil, "42")
		w := httptest.NewRecorder()
		service.GetBalance(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, float64(120), resp["balance"])
		assert.Equal(t, true, resp["cached"])
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		service, dbMock, redisMock, closeDB := newCreditTestService(t)
		defer closeDB()

		redisMock.ExpectGet("tmc:balance:99").RedisNil()
		dbMock.ExpectQuery("SELECT COALESCE\\(credits, 0\\) FROM users WHERE id = \\$1").
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}))

		r := authenticatedRequest("GET", "/credits/balance", nil, "99")
		w := httptest.NewRecorder()
		service.GetBalance(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		service, _, _, closeDB := newCreditTestService(t)
		defer closeDB()

		r := httptest.NewRequest("GET", "/credits/balance", nil)
		w := httptest.NewRecorder()
		service.GetBalance(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestCreditService_GetTransactions(t *testing.T) {
	service, dbMock, _, closeDB := newCreditTestService(t)
	defer closeDB()

	dbMock.ExpectQuery("SELECT id, transaction_id, user_id, type, amount, reason, function_used").
		WithArgs(42, 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "transaction_id", "user_id", "type", "amount", "reason", "function_used",
			"related_user_id", "balance_before", "balance_after", "appointment_id",
			"medical_record_id", "created_at"}).
			AddRow(2, "tx-2", 42, "credit", 100, "Credit recharge via pix", "recharge",
				nil, 50, 150, nil, nil, time.Now()).
			AddRow(1, "tx-1", 42, "debit", -50, "Video consultation payment", "video_consultation",
				7, 100, 50, 3, nil, time.Now()))

	r := authenticatedRequest("GET", "/credits/transactions", nil, "42")
	w := httptest.NewRecorder()
	service.GetTransactions(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	var history []map[string]any
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history, 2)
	assert.Equal(t, "tx-2", history[0]["transaction_id"])
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestCreditService_Recharge(t *testing.T) {
	t.Run("recharge credits balance and drops the cache", func(t *testing.T) {
		service, dbMock, redisMock, closeDB := newCreditTestService(t)
		defer closeDB()

		dbMock.ExpectBegin()
		expectLockBalance(dbMock, 42, 50)
		expectInsertTransaction(dbMock, 3)
		expectSetBalance(dbMock, 42, 150)
		dbMock.ExpectCommit()
		redisMock.ExpectDel("tmc:balance:42").SetVal(1)

		body, _ := json.Marshal(RechargeRequest{Amount: 100, Method: "pix"})
		r := authenticatedRequest("POST", "/credits/recharge", body, "42")
		w := httptest.NewRecorder()
		service.Recharge(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, float64(100), resp["amount"])
		assert.Equal(t, float64(150), resp["balance_after"])
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("unsupported method rejected", func(t *testing.T) {
		service, _, _, closeDB := newCreditTestService(t)
		defer closeDB()

		body, _ := json.Marshal(RechargeRequest{Amount: 100, Method: "cash"})
		r := authenticatedRequest("POST", "/credits/recharge", body, "42")
		w := httptest.NewRecorder()
		service.Recharge(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCreditService_Transfer(t *testing.T) {
	t.Run("transfer debits sender and credits recipient", func(t *testing.T) {
		service, dbMock, redisMock, closeDB := newCreditTestService(t)
		defer closeDB()

		// Rows lock in ascending id order: recipient 2 before sender 42.
		dbMock.ExpectBegin()
		expectLockBalance(dbMock, 2, 10)
		expectLockBalance(dbMock, 42, 100)
		expectInsertTransaction(dbMock, 4)
		expectInsertTransaction(dbMock, 5)
		expectSetBalance(dbMock, 42, 70)
		expectSetBalance(dbMock, 2, 40)
		dbMock.ExpectCommit()
		redisMock.ExpectDel("tmc:balance:42").SetVal(1)
		redisMock.ExpectDel("tmc:balance:2").SetVal(1)

		body, _ := json.Marshal(TransferRequest{ToUserID: 2, Amount: 30, Reason: "Family plan top-up"})
		r := authenticatedRequest("POST", "/credits/transfer", body, "42")
		w := httptest.NewRecorder()
		service.Transfer(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, float64(-30), resp["debit"]["amount"])
		assert.Equal(t, float64(30), resp["credit"]["amount"])
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("self transfer rejected", func(t *testing.T) {
		service, _, _, closeDB := newCreditTestService(t)
		defer closeDB()

		body, _ := json.Marshal(TransferRequest{ToUserID: 42, Amount: 30, Reason: "noop"})
		r := authenticatedRequest("POST", "/credits/transfer", body, "42")
		w := httptest.NewRecorder()
		service.Transfer(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		service, dbMock, _, closeDB := newCreditTestService(t)
		defer closeDB()

		dbMock.ExpectBegin()
		expectLockBalance(dbMock, 2, 10)
		expectLockBalance(dbMock, 42, 5)
		dbMock.ExpectRollback()

		body, _ := json.Marshal(TransferRequest{ToUserID: 2, Amount: 30, Reason: "Family plan top-up"})
		r := authenticatedRequest("POST", "/credits/transfer", body, "42")
		w := httptest.NewRecorder()
		service.Transfer(w, r)

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
	})
}

func TestCreditService_ChargeFeature(t *testing.T) {
	t.Run("charges the configured feature price", func(t *testing.T) {
		service, dbMock, redisMock, closeDB := newCreditTestService(t)
		defer closeDB()

		dbMock.ExpectBegin()
		expectLockBalance(dbMock, 42, 100)
		expectInsertTransaction(dbMock, 6)
		expectSetBalance(dbMock, 42, 95)
		dbMock.ExpectCommit()
		redisMock.ExpectDel("tmc:balance:42").SetVal(1)

		body, _ := json.Marshal(FeatureChargeRequest{Feature: "ai_triage"})
		r := authenticatedRequest("POST", "/credits/charge-feature", body, "42")
		w := httptest.NewRecorder()
		service.ChargeFeature(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, float64(-5), resp["amount"])
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("unknown feature rejected by validation", func(t *testing.T) {
		service, _, _, closeDB := newCreditTestService(t)
		defer closeDB()

		body, _ := json.Marshal(FeatureChargeRequest{Feature: "time_travel"})
		r := authenticatedRequest("POST", "/credits/charge-feature", body, "42")
		w := httptest.NewRecorder()
		service.ChargeFeature(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		service, dbMock, _, closeDB := newCreditTestService(t)
		defer closeDB()

		dbMock.ExpectBegin()
		expectLockBalance(dbMock, 42, 3)
		dbMock.ExpectRollback()

		body, _ := json.Marshal(FeatureChargeRequest{Feature: "ai_diagnosis"})
		r := authenticatedRequest("POST", "/credits/charge-feature", body, "42")
		w := httptest.NewRecorder()
		service.ChargeFeature(w, r)

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
	})
}

func TestCreditService_PayConsultation(t *testing.T) {
	t.Run("pays doctor and fans out commission", func(t *testing.T) {
		service, dbMock, redisMock, closeDB := newCreditTestService(t)
		defer closeDB()

		// Patient 42 pays 100.
		dbMock.ExpectBegin()
		expectLockBalance(dbMock, 42, 500)
		expectInsertTransaction(dbMock, 7)
		expectSetBalance(dbMock, 42, 400)
		dbMock.ExpectCommit()

		// Doctor 10 earns 100.
		dbMock.ExpectBegin()
		expectLockBalance(dbMock, 10, 0)
		expectInsertTransaction(dbMock, 8)
		expectSetBalance(dbMock, 10, 100)
		dbMock.ExpectCommit()

		// Doctor's superior 20 takes 10% commission, chain ends there.
		dbMock.ExpectBegin()
		expectSuperior(dbMock, 10, 20, 10)
		expectLockBalance(dbMock, 20, 0)
		expectInsertTransaction(dbMock, 9)
		expectSetBalance(dbMock, 20, 10)
		expectNoSuperior(dbMock, 20)
		dbMock.ExpectCommit()

		redisMock.ExpectDel("tmc:balance:42").SetVal(1)
		redisMock.ExpectDel("tmc:balance:10").SetVal(1)

		body, _ := json.Marshal(ConsultationPaymentRequest{DoctorID: 10, Amount: 100})
		r := authenticatedRequest("POST", "/credits/consultation-payment", body, "42")
		w := httptest.NewRecorder()
		service.PayConsultation(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Payment     map[string]any   `json:"payment"`
			Earning     map[string]any   `json:"earning"`
			Commissions []map[string]any `json:"commissions"`
		}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, float64(-100), resp.Payment["amount"])
		assert.Equal(t, float64(100), resp.Earning["amount"])
		assert.Len(t, resp.Commissions, 1)
		assert.Equal(t, float64(10), resp.Commissions[0]["amount"])
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("patient cannot afford the consultation", func(t *testing.T) {
		service, dbMock, _, closeDB := newCreditTestService(t)
		defer closeDB()

		dbMock.ExpectBegin()
		expectLockBalance(dbMock, 42, 20)
		dbMock.ExpectRollback()

		body, _ := json.Marshal(ConsultationPaymentRequest{DoctorID: 10, Amount: 100})
		r := authenticatedRequest("POST", "/credits/consultation-payment", body, "42")
		w := httptest.NewRecorder()
		service.PayConsultation(w, r)

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		service, _, _, closeDB := newCreditTestService(t)
		defer closeDB()

		r := authenticatedRequest("POST", "/credits/consultation-payment", []byte("nope"), "42")
		w := httptest.NewRecorder()
		service.PayConsultation(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
