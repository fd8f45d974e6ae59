package models

import "time"

// Prescription status
const (
	PrescriptionDraft   = "draft"
	PrescriptionSigned  = "signed"
	PrescriptionRevoked = "revoked"
)

// Prescription is a medical prescription row. Once signed, the signature
// fields are immutable.
type Prescription struct {
	ID                 int        `json:"id" db:"id"`
	DoctorID           int        `json:"doctor_id" db:"doctor_id"`
	PatientID          int        `json:"patient_id" db:"patient_id"`
	Content            string     `json:"content" db:"content"`
	Signature          string     `json:"signature,omitempty" db:"signature"`
	SignatureAlg       string     `json:"signature_alg,omitempty" db:"signature_alg"`
	SignedAt           *time.Time `json:"signed_at,omitempty" db:"signed_at"`
	SignatureTimestamp string     `json:"signature_timestamp,omitempty" db:"signature_timestamp"`
	DocumentHash       string     `json:"document_hash,omitempty" db:"document_hash"`
	AuditHash          string     `json:"audit_hash,omitempty" db:"audit_hash"`
	CertificateSerial  string     `json:"certificate_serial,omitempty" db:"certificate_serial"`
	Status             string     `json:"status" db:"status"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

// SigningCertificate mirrors a row of the signing_certificates registry. Only
// the public half is persisted; private keys stay with the doctor's token.
type SigningCertificate struct {
	ID           int       `json:"id" db:"id"`
	DoctorID     int       `json:"doctor_id" db:"doctor_id"`
	SerialNumber string    `json:"serial_number" db:"serial_number"`
	PublicKey    string    `json:"public_key" db:"public_key"`
	Status       string    `json:"status" db:"status"`
	IssuedAt     time.Time `json:"issued_at" db:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
	Metadata     Metadata  `json:"metadata,omitempty" db:"metadata"`
}

// Certificate status
const (
	CertificateActive    = "active"
	CertificateSuspended = "suspended"
	CertificateRevoked   = "revoked"
	CertificateExpired   = "expired"
)
