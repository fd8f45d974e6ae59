package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/tmchealth/backend/internal/config"
	"github.com/tmchealth/backend/internal/signature"
)

const testPrescriptionContent = "Dipirona 500mg, 1 comprimido a cada 8 horas por 3 dias"

func newPrescriptionTestService(t *testing.T) (*PrescriptionService, sqlmock.Sqlmock, *MockSigner, func()) {
	t.Helper()
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)

	signer := new(MockSigner)
	pricing := &config.PricingConfig{PrescriptionSigning: 2, DefaultFeatureCost: 1}
	service := NewPrescriptionService(db, signer, NewLedgerService(db), pricing)
	return service, dbMock, signer, func() { db.Close() }
}

func expectDoctorLookup(dbMock sqlmock.Sqlmock, doctorID int) {
	dbMock.ExpectQuery("SELECT id, full_name, COALESCE\\(role, ''\\), crm, crm_state\\s+FROM users\\s+WHERE id = \\$1 AND role = 'doctor'").
		WithArgs(doctorID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "role", "crm", "crm_state"}).
			AddRow(doctorID, "Dr. Carlos Lima", "doctor", "123456", "SP"))
}

func testCertInfo() *signature.CertificateInfo {
	return &signature.CertificateInfo{
		Subject:      "Dr. Carlos Lima:123456",
		SerialNumber: "SERIAL-1",
	}
}

func signRequestBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(SignPrescriptionRequest{
		PatientID:  9,
		Content:    testPrescriptionContent,
		PrivateKey: "PRIVATE-PEM",
		TokenPIN:   "654321",
	})
	assert.NoError(t, err)
	return body
}

func TestPrescriptionService_Sign(t *testing.T) {
	t.Run("signs, charges the fee and stores the prescription", func(t *testing.T) {
		service, dbMock, signer, closeDB := newPrescriptionTestService(t)
		defer closeDB()

		expectDoctorLookup(dbMock, 42)

		certInfo := testCertInfo()
		signer.On("CreateICPBrasilA3Certificate", 42, "Dr. Carlos Lima", "123456", "SP").Return(certInfo).Once()
		signer.On("AuthenticateA3Token", mock.Anything, "654321", "SERIAL-1").Return(true, nil).Once()

		// Signing fee debit: 10 - 2 = 8.
		dbMock.ExpectBegin()
		expectLockBalance(dbMock, 42, 10)
		expectInsertTransaction(dbMock, 1)
		expectSetBalance(dbMock, 42, 8)
		dbMock.ExpectCommit()

		result := &signature.SignatureResult{
			Signature:       "c2lnbmF0dXJl",
			Algorithm:       "RSA-PSS-SHA256",
			Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
			DocumentHash:    "deadbeef",
			CertificateInfo: *certInfo,
		}
		signer.On("SignPrescription", testPrescriptionContent, "PRIVATE-PEM", *certInfo).Return(result, nil).Once()
		signer.On("GenerateAuditHash", result, 42, 9).Return("audit-hash-1").Once()

		dbMock.ExpectQuery("INSERT INTO prescriptions").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(17, time.Now()))

		r := authenticatedRequest("POST", "/prescriptions/sign", signRequestBody(t), "42")
		w := httptest.NewRecorder()
		service.Sign(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "audit-hash-1", resp["auditHash"])
		prescription := resp["prescription"].(map[string]any)
		assert.Equal(t, float64(17), prescription["id"])
		assert.Equal(t, "signed", prescription["status"])

		signer.AssertExpectations(t)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("insufficient balance rejects before signing", func(t *testing.T) {
		service, dbMock, signer, closeDB := newPrescriptionTestService(t)
		defer closeDB()

		expectDoctorLookup(dbMock, 42)
		signer.On("CreateICPBrasilA3Certificate", 42, "Dr. Carlos Lima", "123456", "SP").Return(testCertInfo()).Once()
		signer.On("AuthenticateA3Token", mock.Anything, "654321", "SERIAL-1").Return(true, nil).Once()

		dbMock.ExpectBegin()
		expectLockBalance(dbMock, 42, 1)
		dbMock.ExpectRollback()

		r := authenticatedRequest("POST", "/prescriptions/sign", signRequestBody(t), "42")
		w := httptest.NewRecorder()
		service.Sign(w, r)

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		signer.AssertNotCalled(t, "SignPrescription", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failed signing refunds the fee", func(t *testing.T) {
		service, dbMock, signer, closeDB := newPrescriptionTestService(t)
		defer closeDB()

		expectDoctorLookup(dbMock, 42)
		certInfo := testCertInfo()
		signer.On("CreateICPBrasilA3Certificate", 42, "Dr. Carlos Lima", "123456", "SP").Return(certInfo).Once()
		signer.On("AuthenticateA3Token", mock.Anything, "654321", "SERIAL-1").Return(true, nil).Once()

		dbMock.ExpectBegin()
		expectLockBalance(dbMock, 42, 10)
		expectInsertTransaction(dbMock, 1)
		expectSetBalance(dbMock, 42, 8)
		dbMock.ExpectCommit()

		signer.On("SignPrescription", testPrescriptionContent, "PRIVATE-PEM", *certInfo).
			Return(nil, signature.ErrSigningFailed).Once()

		// Refund: 8 + 2 = 10.
		dbMock.ExpectBegin()
		expectLockBalance(dbMock, 42, 8)
		expectInsertTransaction(dbMock, 2)
		expectSetBalance(dbMock, 42, 10)
		dbMock.ExpectCommit()

		r := authenticatedRequest("POST", "/prescriptions/sign", signRequestBody(t), "42")
		w := httptest.NewRecorder()
		service.Sign(w, r)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("short token PIN rejected", func(t *testing.T) {
		service, dbMock, signer, closeDB := newPrescriptionTestService(t)
		defer closeDB()

		expectDoctorLookup(dbMock, 42)
		signer.On("CreateICPBrasilA3Certificate", 42, "Dr. Carlos Lima", "123456", "SP").Return(testCertInfo()).Once()
		signer.On("AuthenticateA3Token", mock.Anything, "654321", "SERIAL-1").
			Return(false, signature.ErrPINTooShort).Once()

		r := authenticatedRequest("POST", "/prescriptions/sign", signRequestBody(t), "42")
		w := httptest.NewRecorder()
		service.Sign(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("token authentication failure", func(t *testing.T) {
		service, dbMock, signer, closeDB := newPrescriptionTestService(t)
		defer closeDB()

		expectDoctorLookup(dbMock, 42)
		signer.On("CreateICPBrasilA3Certificate", 42, "Dr. Carlos Lima", "123456", "SP").Return(testCertInfo()).Once()
		signer.On("AuthenticateA3Token", mock.Anything, "654321", "SERIAL-1").Return(false, nil).Once()

		r := authenticatedRequest("POST", "/prescriptions/sign", signRequestBody(t), "42")
		w := httptest.NewRecorder()
		service.Sign(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("non-doctor caller", func(t *testing.T) {
		service, dbMock, _, closeDB := newPrescriptionTestService(t)
		defer closeDB()

		dbMock.ExpectQuery("SELECT id, full_name, COALESCE\\(role, ''\\), crm, crm_state").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "role", "crm", "crm_state"}))

		r := authenticatedRequest("POST", "/prescriptions/sign", signRequestBody(t), "7")
		w := httptest.NewRecorder()
		service.Sign(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		service, _, _, closeDB := newPrescriptionTestService(t)
		defer closeDB()

		r := httptest.NewRequest("POST", "/prescriptions/sign", bytes.NewBuffer(signRequestBody(t)))
		w := httptest.NewRecorder()
		service.Sign(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestPrescriptionService_Verify(t *testing.T) {
	newRouter := func(service *PrescriptionService) http.Handler {
		router := chi.NewRouter()
		router.Get("/prescriptions/{id}/verify", service.Verify)
		return router
	}

	t.Run("valid stored signature", func(t *testing.T) {
		service, dbMock, signer, closeDB := newPrescriptionTestService(t)
		defer closeDB()

		signedAt := time.Now().UTC()
		timestamp := signedAt.Format(time.RFC3339Nano)
		dbMock.ExpectQuery("SELECT id, doctor_id, patient_id, content, signature, signature_alg").
			WithArgs(17).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "doctor_id", "patient_id", "content", "signature", "signature_alg",
				"signed_at", "signature_timestamp", "document_hash", "audit_hash",
				"certificate_serial", "status"}).
				AddRow(17, 42, 9, testPrescriptionContent, "c2lnbmF0dXJl", "RSA-PSS-SHA256",
					signedAt, timestamp, "deadbeef", "audit-hash-1", "SERIAL-1", "signed"))
		dbMock.ExpectQuery("SELECT public_key\\s+FROM signing_certificates").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"public_key"}).AddRow("PUBLIC-PEM"))

		signer.On("VerifySignature", testPrescriptionContent, "c2lnbmF0dXJl", "PUBLIC-PEM", timestamp).
			Return(true).Once()

		r := httptest.NewRequest("GET", "/prescriptions/17/verify", nil)
		w := httptest.NewRecorder()
		newRouter(service).ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["valid"])
		assert.Equal(t, float64(17), resp["prescriptionId"])
		signer.AssertExpectations(t)
	})

	t.Run("unknown prescription", func(t *testing.T) {
		service, dbMock, _, closeDB := newPrescriptionTestService(t)
		defer closeDB()

		dbMock.ExpectQuery("SELECT id, doctor_id, patient_id, content, signature, signature_alg").
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		r := httptest.NewRequest("GET", "/prescriptions/99/verify", nil)
		w := httptest.NewRecorder()
		newRouter(service).ServeHTTP(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("doctor without active certificate", func(t *testing.T) {
		service, dbMock, _, closeDB := newPrescriptionTestService(t)
		defer closeDB()

		signedAt := time.Now().UTC()
		dbMock.ExpectQuery("SELECT id, doctor_id, patient_id, content, signature, signature_alg").
			WithArgs(17).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "doctor_id", "patient_id", "content", "signature", "signature_alg",
				"signed_at", "signature_timestamp", "document_hash", "audit_hash",
				"certificate_serial", "status"}).
				AddRow(17, 42, 9, testPrescriptionContent, "c2lnbmF0dXJl", "RSA-PSS-SHA256",
					signedAt, signedAt.Format(time.RFC3339Nano), "deadbeef", "audit-hash-1", "SERIAL-1", "signed"))
		dbMock.ExpectQuery("SELECT public_key\\s+FROM signing_certificates").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"public_key"}))

		r := httptest.NewRequest("GET", "/prescriptions/17/verify", nil)
		w := httptest.NewRecorder()
		newRouter(service).ServeHTTP(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestPrescriptionService_ElectronicVerification(t *testing.T) {
	service, _, signer, closeDB := newPrescriptionTestService(t)
	defer closeDB()

	t.Run("runs the verification pipeline", func(t *testing.T) {
		req := ElectronicVerificationRequest{
			Signature:       "c2lnbmF0dXJl",
			DocumentHash:    "deadbeef",
			CertificateInfo: *testCertInfo(),
		}
		report := &signature.VerificationReport{IsValid: true, BasicVerification: true}
		signer.On("PerformElectronicVerification", "c2lnbmF0dXJl", "deadbeef", mock.Anything).
			Return(report).Once()

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/prescriptions/electronic-verification", bytes.NewBuffer(body))
		w := httptest.NewRecorder()
		service.ElectronicVerification(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp signature.VerificationReport
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.IsValid)
		signer.AssertExpectations(t)
	})

	t.Run("invalid request body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/prescriptions/electronic-verification", bytes.NewBuffer([]byte("nope")))
		w := httptest.NewRecorder()
		service.ElectronicVerification(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
