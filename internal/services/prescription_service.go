package services

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tmchealth/backend/internal/config"
	"github.com/tmchealth/backend/internal/models"
	"github.com/tmchealth/backend/internal/signature"
)

// PrescriptionService handles creation, signing and verification of medical
// prescriptions. Signing is non-repudiable: the signature covers the document
// hash and the exact signing instant, and an audit hash fingerprints the
// whole event.
type PrescriptionService struct {
	db        *sql.DB
	signer    signature.SignerInterface
	ledger    *LedgerService
	pricing   *config.PricingConfig
	validator *ValidationHelper
}

// SignPrescriptionRequest carries the document and the doctor's key material.
// The private key never leaves the request scope and is not persisted.
type SignPrescriptionRequest struct {
	PatientID  int    `json:"patientId" validate:"required,gt=0"`
	Content    string `json:"content" validate:"required,min=10"`
	PrivateKey string `json:"privateKey" validate:"required"`
	TokenPIN   string `json:"tokenPin" validate:"required"`
}

// ElectronicVerificationRequest carries a previously issued signature for the
// multi-stage compliance verification.
type ElectronicVerificationRequest struct {
	Signature       string                    `json:"signature" validate:"required"`
	DocumentHash    string                    `json:"documentHash" validate:"required"`
	CertificateInfo signature.CertificateInfo `json:"certificateInfo" validate:"required"`
}

func NewPrescriptionService(db *sql.DB, signer signature.SignerInterface, ledger *LedgerService, pricing *config.PricingConfig) *PrescriptionService {
	if pricing == nil {
		pricing = config.LoadPricingConfig()
	}
	return &PrescriptionService{
		db:        db,
		signer:    signer,
		ledger:    ledger,
		pricing:   pricing,
		validator: NewValidationHelper(),
	}
}

// Sign signs a prescription for a patient
// @Summary Sign a prescription
// @Description Digitally sign prescription content with the doctor's ICP-Brasil A3 certificate
// @Tags prescriptions
// @Accept json
// @Produce json
// @Param request body SignPrescriptionRequest true "Prescription signing data"
// @Success 200 {object} object{prescription=models.Prescription,signature=signature.SignatureResult,auditHash=string}
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /prescriptions/sign [post]
func (ps *PrescriptionService) Sign(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := requestUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req SignPrescriptionRequest
	if !decodeRequest(w, r, ps.validator, &req) {
		return
	}

	doctor, err := ps.getDoctor(r.Context(), doctorID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			SendErrorResponse(w, "Doctor not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[PRESCRIPTION] Doctor lookup failed for %d: %v", doctorID, err)
		SendErrorResponse(w, "Failed to load doctor record", http.StatusInternalServerError, nil)
		return
	}

	certInfo := ps.signer.CreateICPBrasilA3Certificate(doctorID, doctor.FullName, doctor.CRM, doctor.CRMState)

	authenticated, err := ps.signer.AuthenticateA3Token(r.Context(), req.TokenPIN, certInfo.SerialNumber)
	if err != nil {
		if errors.Is(err, signature.ErrPINTooShort) {
			SendErrorResponse(w, signature.ErrPINTooShort.Error(), http.StatusBadRequest, nil)
			return
		}
		log.Printf("[PRESCRIPTION] Token auth failed for doctor %d: %v", doctorID, err)
		SendErrorResponse(w, "Token authentication failed", http.StatusUnauthorized, nil)
		return
	}
	if !authenticated {
		SendErrorResponse(w, "Token authentication failed", http.StatusUnauthorized, nil)
		return
	}

	// Signing fee is debited before the signature is produced; an
	// insufficient balance leaves nothing signed.
	fee := ps.pricing.PrescriptionSigning
	feeTx, err := ps.ledger.ProcessDebit(r.Context(), doctorID, fee,
		"Prescription signing fee", models.TransactionRef{FunctionUsed: "prescription_signing"})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			SendErrorResponse(w, "Insufficient TMC balance for signing fee", http.StatusPaymentRequired, nil)
			return
		}
		log.Printf("[PRESCRIPTION] Signing fee debit failed for doctor %d: %v", doctorID, err)
		SendErrorResponse(w, "Failed to charge signing fee", http.StatusInternalServerError, nil)
		return
	}

	result, err := ps.signer.SignPrescription(req.Content, req.PrivateKey, *certInfo)
	if err != nil {
		// Refund the fee: the signature never happened.
		if _, refundErr := ps.ledger.ProcessCredit(r.Context(), doctorID, fee,
			"Signing fee refund", models.TransactionRef{FunctionUsed: "prescription_signing"}); refundErr != nil {
			log.Printf("[PRESCRIPTION] Fee refund failed for doctor %d after signing error: %v", doctorID, refundErr)
		}
		log.Printf("[PRESCRIPTION] Signing failed for doctor %d (fee tx %s)", doctorID, feeTx.TransactionID)
		SendErrorResponse(w, "Prescription signing failed", http.StatusInternalServerError, nil)
		return
	}

	auditHash := ps.signer.GenerateAuditHash(result, doctorID, req.PatientID)

	prescription, err := ps.insertSigned(r.Context(), doctorID, req.PatientID, req.Content, result, auditHash)
	if err != nil {
		log.Printf("[PRESCRIPTION] Persist failed for doctor %d: %v", doctorID, err)
		SendErrorResponse(w, "Failed to store prescription", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PRESCRIPTION] Doctor %d signed prescription %d for patient %d", doctorID, prescription.ID, req.PatientID)
	writeJSON(w, map[string]any{
		"prescription": prescription,
		"signature":    result,
		"auditHash":    auditHash,
	})
}

// Verify checks a stored prescription signature
// @Summary Verify a prescription signature
// @Description Re-verify the RSA-PSS signature of a stored prescription against the doctor's registered public key
// @Tags prescriptions
// @Produce json
// @Param id path int true "Prescription ID"
// @Success 200 {object} object{prescriptionId=int,valid=bool}
// @Failure 404 {object} ErrorResponse
// @Router /prescriptions/{id}/verify [get]
func (ps *PrescriptionService) Verify(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		SendErrorResponse(w, "Invalid prescription id", http.StatusBadRequest, nil)
		return
	}

	prescription, signedAt, err := ps.getSigned(r.Context(), id)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Prescription not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[PRESCRIPTION] Lookup failed for %d: %v", id, err)
		SendErrorResponse(w, "Failed to load prescription", http.StatusInternalServerError, nil)
		return
	}

	publicKey, err := ps.activePublicKey(r.Context(), prescription.DoctorID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "No active signing certificate for doctor", http.StatusNotFound, nil)
			return
		}
		log.Printf("[PRESCRIPTION] Certificate lookup failed for doctor %d: %v", prescription.DoctorID, err)
		SendErrorResponse(w, "Failed to load signing certificate", http.StatusInternalServerError, nil)
		return
	}

	valid := ps.signer.VerifySignature(prescription.Content, prescription.Signature, publicKey, signedAt)
	writeJSON(w, map[string]any{"prescriptionId": id, "valid": valid})
}

// ElectronicVerification runs the compliance verification pipeline
// @Summary Electronic signature verification
// @Description Run the four-stage ICP-Brasil verification over a signature event
// @Tags prescriptions
// @Accept json
// @Produce json
// @Param request body ElectronicVerificationRequest true "Verification data"
// @Success 200 {object} signature.VerificationReport
// @Failure 400 {object} ErrorResponse
// @Router /prescriptions/electronic-verification [post]
func (ps *PrescriptionService) ElectronicVerification(w http.ResponseWriter, r *http.Request) {
	var req ElectronicVerificationRequest
	if !decodeRequest(w, r, ps.validator, &req) {
		return
	}

	report := ps.signer.PerformElectronicVerification(req.Signature, req.DocumentHash, &req.CertificateInfo)
	writeJSON(w, report)
}

func (ps *PrescriptionService) getDoctor(ctx context.Context, doctorID int) (*models.User, error) {
	var u models.User
	var crm, crmState sql.NullString
	err := ps.db.QueryRowContext(ctx, `
		SELECT id, full_name, COALESCE(role, ''), crm, crm_state
		FROM users
		WHERE id = $1 AND role = 'doctor'`, doctorID).
		Scan(&u.ID, &u.FullName, &u.Role, &crm, &crmState)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CRM = crm.String
	u.CRMState = crmState.String
	return &u, nil
}

func (ps *PrescriptionService) insertSigned(ctx context.Context, doctorID, patientID int, content string, result *signature.SignatureResult, auditHash string) (*models.Prescription, error) {
	signedAt, err := time.Parse(time.RFC3339Nano, result.Timestamp)
	if err != nil {
		signedAt = time.Now().UTC()
	}

	p := &models.Prescription{
		DoctorID:           doctorID,
		PatientID:          patientID,
		Content:            content,
		Signature:          result.Signature,
		SignatureAlg:       result.Algorithm,
		SignedAt:           &signedAt,
		SignatureTimestamp: result.Timestamp,
		DocumentHash:       result.DocumentHash,
		AuditHash:          auditHash,
		CertificateSerial:  result.CertificateInfo.SerialNumber,
		Status:             models.PrescriptionSigned,
	}

	// signature_timestamp keeps the exact RFC 3339 string that was signed;
	// the timestamptz column loses sub-microsecond precision.
	err = ps.db.QueryRowContext(ctx, `
		INSERT INTO prescriptions
			(doctor_id, patient_id, content, signature, signature_alg, signed_at,
			 signature_timestamp, document_hash, audit_hash, certificate_serial,
			 status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`,
		p.DoctorID, p.PatientID, p.Content, p.Signature, p.SignatureAlg, signedAt,
		p.SignatureTimestamp, p.DocumentHash, p.AuditHash, p.CertificateSerial,
		p.Status, time.Now()).
		Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (ps *PrescriptionService) getSigned(ctx context.Context, id int) (*models.Prescription, string, error) {
	var p models.Prescription
	var signedAt time.Time
	err := ps.db.QueryRowContext(ctx, `
		SELECT id, doctor_id, patient_id, content, signature, signature_alg,
		       signed_at, signature_timestamp, document_hash, audit_hash,
		       certificate_serial, status
		FROM prescriptions
		WHERE id = $1 AND status = 'signed'`, id).
		Scan(&p.ID, &p.DoctorID, &p.PatientID, &p.Content, &p.Signature, &p.SignatureAlg,
			&signedAt, &p.SignatureTimestamp, &p.DocumentHash, &p.AuditHash,
			&p.CertificateSerial, &p.Status)
	if err != nil {
		return nil, "", err
	}
	p.SignedAt = &signedAt
	return &p, p.SignatureTimestamp, nil
}

func (ps *PrescriptionService) activePublicKey(ctx context.Context, doctorID int) (string, error) {
	var publicKey string
	err := ps.db.QueryRowContext(ctx, `
		SELECT public_key
		FROM signing_certificates
		WHERE doctor_id = $1 AND status = 'active'
		ORDER BY issued_at DESC
		LIMIT 1`, doctorID).Scan(&publicKey)
	return publicKey, err
}
