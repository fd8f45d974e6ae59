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
	"github.com/tmchealth/backend/internal/models"
	"github.com/tmchealth/backend/internal/signature"
)

// CertificateService provisions and manages doctors' signing certificates.
// Only the public key is persisted; the private key is handed to the doctor
// exactly once at provisioning time.
type CertificateService struct {
	db        *sql.DB
	signer    signature.SignerInterface
	validator *ValidationHelper
}

// ProvisionCertificateRequest represents certificate provisioning
type ProvisionCertificateRequest struct {
	TokenPIN string `json:"tokenPin" validate:"required,min=6"`
}

func NewCertificateService(db *sql.DB, signer signature.SignerInterface) *CertificateService {
	return &CertificateService{
		db:        db,
		signer:    signer,
		validator: NewValidationHelper(),
	}
}

// Provision issues a new signing certificate for the calling doctor
// @Summary Provision a signing certificate
// @Description Generate a key pair and register a simulated ICP-Brasil A3 certificate for the doctor
// @Tags certificates
// @Accept json
// @Produce json
// @Param request body ProvisionCertificateRequest true "Provisioning data"
// @Success 200 {object} object{certificate=models.SigningCertificate,privateKey=string}
// @Failure 400 {object} ErrorResponse
// @Router /certificates/provision [post]
func (cs *CertificateService) Provision(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := requestUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req ProvisionCertificateRequest
	if !decodeRequest(w, r, cs.validator, &req) {
		return
	}

	var fullName string
	var crm, crmState sql.NullString
	err := cs.db.QueryRowContext(r.Context(), `
		SELECT full_name, crm, crm_state FROM users WHERE id = $1 AND role = 'doctor'`, doctorID).
		Scan(&fullName, &crm, &crmState)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Doctor not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[CERTIFICATE] Doctor lookup failed for %d: %v", doctorID, err)
		SendErrorResponse(w, "Failed to load doctor record", http.StatusInternalServerError, nil)
		return
	}

	publicKey, privateKey, err := cs.signer.GenerateKeyPair()
	if err != nil {
		log.Printf("[CERTIFICATE] Key generation failed for doctor %d: %v", doctorID, err)
		SendErrorResponse(w, "Failed to generate key pair", http.StatusInternalServerError, nil)
		return
	}

	certInfo := cs.signer.CreateICPBrasilA3Certificate(doctorID, fullName, crm.String, crmState.String)

	pinHash, err := cs.signer.HashPIN(req.TokenPIN, nil)
	if err != nil {
		log.Printf("[CERTIFICATE] PIN hashing failed for doctor %d: %v", doctorID, err)
		SendErrorResponse(w, "Failed to secure token PIN", http.StatusInternalServerError, nil)
		return
	}

	cert, err := cs.upsertCertificate(r.Context(), doctorID, certInfo, publicKey, pinHash)
	if err != nil {
		log.Printf("[CERTIFICATE] Registry upsert failed for doctor %d: %v", doctorID, err)
		SendErrorResponse(w, "Failed to register certificate", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[CERTIFICATE] Provisioned certificate %s for doctor %d", cert.SerialNumber, doctorID)
	writeJSON(w, map[string]any{
		"certificate": cert,
		"privateKey":  privateKey,
	})
}

// Suspend deactivates a certificate
// @Summary Suspend a certificate
// @Description Mark a signing certificate as suspended
// @Tags certificates
// @Produce json
// @Param serial path string true "Certificate serial"
// @Success 200 {object} object{serial=string,status=string}
// @Failure 404 {object} ErrorResponse
// @Router /certificates/{serial}/suspend [put]
func (cs *CertificateService) Suspend(w http.ResponseWriter, r *http.Request) {
	cs.setStatus(w, r, models.CertificateSuspended)
}

// Reinstate reactivates a suspended certificate
// @Summary Reinstate a certificate
// @Description Mark a suspended signing certificate as active again
// @Tags certificates
// @Produce json
// @Param serial path string true "Certificate serial"
// @Success 200 {object} object{serial=string,status=string}
// @Failure 404 {object} ErrorResponse
// @Router /certificates/{serial}/reinstate [put]
func (cs *CertificateService) Reinstate(w http.ResponseWriter, r *http.Request) {
	cs.setStatus(w, r, models.CertificateActive)
}

// Revoke revokes a certificate and feeds the simulated revocation list
// @Summary Revoke a certificate
// @Description Permanently revoke a signing certificate; subsequent electronic verifications fail
// @Tags certificates
// @Produce json
// @Param serial path string true "Certificate serial"
// @Success 200 {object} object{serial=string,status=string}
// @Failure 404 {object} ErrorResponse
// @Router /certificates/{serial}/revoke [put]
func (cs *CertificateService) Revoke(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if serial == "" {
		SendErrorResponse(w, "Certificate serial required", http.StatusBadRequest, nil)
		return
	}

	if err := cs.updateStatus(r.Context(), serial, models.CertificateRevoked); err != nil {
		cs.writeStatusError(w, serial, err)
		return
	}

	cs.signer.RevokeSerial(serial)
	log.Printf("[CERTIFICATE] Revoked certificate %s", serial)
	writeJSON(w, map[string]string{"serial": serial, "status": models.CertificateRevoked})
}

// GetDoctorCertificates lists a doctor's certificates
// @Summary List doctor certificates
// @Description Signing certificates registered for a doctor
// @Tags certificates
// @Produce json
// @Param doctorId path int true "Doctor ID"
// @Success 200 {array} models.SigningCertificate
// @Router /certificates/doctor/{doctorId} [get]
func (cs *CertificateService) GetDoctorCertificates(w http.ResponseWriter, r *http.Request) {
	doctorID, err := strconv.Atoi(chi.URLParam(r, "doctorId"))
	if err != nil {
		SendErrorResponse(w, "Invalid doctor id", http.StatusBadRequest, nil)
		return
	}

	rows, err := cs.db.QueryContext(r.Context(), `
		SELECT id, doctor_id, serial_number, public_key, status, issued_at, expires_at
		FROM signing_certificates
		WHERE doctor_id = $1
		ORDER BY issued_at DESC`, doctorID)
	if err != nil {
		log.Printf("[CERTIFICATE] List failed for doctor %d: %v", doctorID, err)
		SendErrorResponse(w, "Failed to list certificates", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	certs := []models.SigningCertificate{}
	for rows.Next() {
		var c models.SigningCertificate
		if err := rows.Scan(&c.ID, &c.DoctorID, &c.SerialNumber, &c.PublicKey,
			&c.Status, &c.IssuedAt, &c.ExpiresAt); err != nil {
			SendErrorResponse(w, "Failed to list certificates", http.StatusInternalServerError, nil)
			return
		}
		certs = append(certs, c)
	}

	writeJSON(w, certs)
}

func (cs *CertificateService) setStatus(w http.ResponseWriter, r *http.Request, status string) {
	serial := chi.URLParam(r, "serial")
	if serial == "" {
		SendErrorResponse(w, "Certificate serial required", http.StatusBadRequest, nil)
		return
	}

	if err := cs.updateStatus(r.Context(), serial, status); err != nil {
		cs.writeStatusError(w, serial, err)
		return
	}

	log.Printf("[CERTIFICATE] Certificate %s set to %s", serial, status)
	writeJSON(w, map[string]string{"serial": serial, "status": status})
}

var errCertificateNotFound = errors.New("certificate not found")

func (cs *CertificateService) updateStatus(ctx context.Context, serial, status string) error {
	result, err := cs.db.ExecContext(ctx, `
		UPDATE signing_certificates
		SET status = $1
		WHERE serial_number = $2`, status, serial)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return errCertificateNotFound
	}
	return nil
}

func (cs *CertificateService) writeStatusError(w http.ResponseWriter, serial string, err error) {
	if errors.Is(err, errCertificateNotFound) {
		SendErrorResponse(w, "Certificate not found", http.StatusNotFound, nil)
		return
	}
	log.Printf("[CERTIFICATE] Status update failed for %s: %v", serial, err)
	SendErrorResponse(w, "Failed to update certificate", http.StatusInternalServerError, nil)
}

// upsertCertificate supersedes any previous active certificate for the
// doctor and inserts the new one.
func (cs *CertificateService) upsertCertificate(ctx context.Context, doctorID int, certInfo *signature.CertificateInfo, publicKey, pinHash string) (*models.SigningCertificate, error) {
	tx, err := cs.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE signing_certificates
		SET status = $1
		WHERE doctor_id = $2 AND status = $3`,
		models.CertificateExpired, doctorID, models.CertificateActive)
	if err != nil {
		return nil, err
	}

	issuedAt, _ := time.Parse(time.RFC3339, certInfo.ValidFrom)
	expiresAt, _ := time.Parse(time.RFC3339, certInfo.ValidTo)

	cert := &models.SigningCertificate{
		DoctorID:     doctorID,
		SerialNumber: certInfo.SerialNumber,
		PublicKey:    publicKey,
		Status:       models.CertificateActive,
		IssuedAt:     issuedAt,
		ExpiresAt:    expiresAt,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO signing_certificates
			(doctor_id, serial_number, public_key, status, issued_at, expires_at, pin_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		cert.DoctorID, cert.SerialNumber, cert.PublicKey, cert.Status,
		cert.IssuedAt, cert.ExpiresAt, pinHash).Scan(&cert.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cert, nil
}
