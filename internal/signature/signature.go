package signature

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

// Algorithm and compliance constants for the simulated ICP-Brasil A3
// environment.
const (
	Algorithm          = "RSA-PSS-SHA256"
	MinKeyBits         = 2048
	SaltLength         = 32
	ComplianceLevelA3  = "ICP-Brasil A3"
	CertificatePolicy  = "2.16.76.1.2.3.1"
	CertificateKeySpec = "RSA-2048"

	// Signatures older than this fail the electronic verification
	// freshness stage.
	FreshnessWindow = 24 * time.Hour

	certificateLifetime = 3 * 365 * 24 * time.Hour
)

var (
	// ErrSigningFailed hides the underlying crypto failure from callers;
	// the cause is audit-logged instead.
	ErrSigningFailed = errors.New("prescription signing failed")

	// ErrPINTooShort is returned when an A3 token PIN fails format checks.
	ErrPINTooShort = errors.New("PIN must be at least 6 digits")
)

// SignerInterface defines the digital signature operations
type SignerInterface interface {
	GenerateKeyPair() (publicKeyPEM, privateKeyPEM string, err error)
	SignPrescription(documentContent, privateKeyPEM string, certInfo CertificateInfo) (*SignatureResult, error)
	VerifySignature(documentContent, signatureB64, publicKeyPEM, timestamp string) bool
	GenerateAuditHash(result *SignatureResult, doctorID, patientID int) string
	CreateICPBrasilA3Certificate(doctorID int, doctorName, crm, crmState string) *CertificateInfo
	PerformElectronicVerification(signatureB64, documentHash string, certInfo *CertificateInfo) *VerificationReport
	AuthenticateA3Token(ctx context.Context, pin, certificateID string) (bool, error)
	RevokeSerial(serialNumber string)
	HashPIN(pin string, salt []byte) (string, error)
	VerifyPIN(pin, hashedPIN string) (bool, error)
}

// CertificateInfo simulates an ICP-Brasil A3 certificate record. It is
// synthesized fresh at signing time and never persisted as a CA object.
type CertificateInfo struct {
	Issuer            string   `json:"issuer"`
	Subject           string   `json:"subject"`
	SerialNumber      string   `json:"serial_number"`
	ValidFrom         string   `json:"valid_from"`
	ValidTo           string   `json:"valid_to"`
	KeyUsage          []string `json:"key_usage"`
	ExtendedKeyUsage  []string `json:"extended_key_usage"`
	DoctorID          int      `json:"doctor_id"`
	DoctorName        string   `json:"doctor_name"`
	CRM               string   `json:"crm"`
	CRMState          string   `json:"crm_state"`
	ComplianceLevel   string   `json:"compliance_level"`
	CertificatePolicy string   `json:"certificate_policy"`
	Algorithm         string   `json:"algorithm,omitempty"`
	KeySize           int      `json:"key_size,omitempty"`
	SaltLength        int      `json:"salt_length,omitempty"`
	SignedAt          string   `json:"signed_at,omitempty"`
	Note              string   `json:"note"`
}

// SignatureResult packages one signing event.
type SignatureResult struct {
	Signature       string          `json:"signature"`
	Algorithm       string          `json:"algorithm"`
	Timestamp       string          `json:"timestamp"`
	DocumentHash    string          `json:"document_hash"`
	CertificateInfo CertificateInfo `json:"certificate_info"`
}

// VerificationReport is the outcome of the multi-stage electronic
// verification. IsValid is true only when every stage passed.
type VerificationReport struct {
	IsValid             bool              `json:"is_valid"`
	BasicVerification   bool              `json:"basic_verification"`
	ChainOfTrust        bool              `json:"chain_of_trust"`
	TimestampFresh      bool              `json:"timestamp_fresh"`
	RevocationClear     bool              `json:"revocation_clear"`
	VerifiedAt          time.Time         `json:"verified_at"`
	VerificationDetails map[string]string `json:"verification_details"`
}

// Service implements SignerInterface with in-process crypto primitives and a
// deterministic in-memory revocation list standing in for OCSP.
type Service struct {
	revoked    map[string]bool
	mu         sync.RWMutex
	audit      *AuditLogger
	tokenDelay time.Duration
}

// NewService creates the signature service
func NewService(audit *AuditLogger) *Service {
	if audit == nil {
		audit = NewAuditLogger()
	}
	return &Service{
		revoked:    make(map[string]bool),
		audit:      audit,
		tokenDelay: 150 * time.Millisecond,
	}
}

// GenerateKeyPair creates an RSA 2048-bit key pair, PEM encoded (SPKI public,
// PKCS8 private). 2048 bits is the modeled compliance floor.
func (s *Service) GenerateKeyPair() (string, string, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, MinKeyBits)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}

	publicKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	})
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	return string(publicKeyPEM), string(privateKeyPEM), nil
}

// SignPrescription signs a prescription document with RSA-PSS. The signature
// covers both the SHA-256 document hash and the signing instant, so replaying
// it over different content or a different claimed timestamp fails
// verification.
func (s *Service) SignPrescription(documentContent, privateKeyPEM string, certInfo CertificateInfo) (*SignatureResult, error) {
	privateKey, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		s.audit.LogError(certInfo.SerialNumber, fmt.Sprintf("doctor:%d", certInfo.DoctorID), err)
		return nil, ErrSigningFailed
	}

	documentHash := hashHex(documentContent)
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	signableContent := documentHash + "|" + timestamp

	digest := sha256.Sum256([]byte(signableContent))
	sig, err := rsa.SignPSS(rand.Reader, privateKey, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: SaltLength,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		s.audit.LogError(certInfo.SerialNumber, fmt.Sprintf("doctor:%d", certInfo.DoctorID), err)
		return nil, ErrSigningFailed
	}

	enhanced := certInfo
	enhanced.Algorithm = Algorithm
	enhanced.KeySize = privateKey.Size() * 8
	enhanced.SaltLength = SaltLength
	enhanced.ComplianceLevel = ComplianceLevelA3
	enhanced.CertificatePolicy = CertificatePolicy
	enhanced.SignedAt = timestamp

	result := &SignatureResult{
		Signature:       base64.StdEncoding.EncodeToString(sig),
		Algorithm:       Algorithm,
		Timestamp:       timestamp,
		DocumentHash:    documentHash,
		CertificateInfo: enhanced,
	}

	s.audit.LogSigning(enhanced.SerialNumber, fmt.Sprintf("doctor:%d", certInfo.DoctorID), "SIGNED")
	return result, nil
}

// VerifySignature recomputes the signable content and verifies the RSA-PSS
// signature. It is a pure predicate: any failure, including malformed keys or
// signatures, yields false.
func (s *Service) VerifySignature(documentContent, signatureB64, publicKeyPEM, timestamp string) bool {
	publicKey, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}

	signableContent := hashHex(documentContent) + "|" + timestamp
	digest := sha256.Sum256([]byte(signableContent))

	err = rsa.VerifyPSS(publicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: SaltLength,
		Hash:       crypto.SHA256,
	})
	return err == nil
}

// auditHashPayload fixes the canonical field order for the audit digest.
type auditHashPayload struct {
	Signature    string `json:"signature"`
	Timestamp    string `json:"timestamp"`
	DocumentHash string `json:"document_hash"`
	DoctorID     int    `json:"doctor_id"`
	PatientID    int    `json:"patient_id"`
	Algorithm    string `json:"algorithm"`
}

// GenerateAuditHash produces a deterministic SHA-256 fingerprint of a signing
// event for compact audit logs.
func (s *Service) GenerateAuditHash(result *SignatureResult, doctorID, patientID int) string {
	payload, _ := json.Marshal(auditHashPayload{
		Signature:    result.Signature,
		Timestamp:    result.Timestamp,
		DocumentHash: result.DocumentHash,
		DoctorID:     doctorID,
		PatientID:    patientID,
		Algorithm:    result.Algorithm,
	})
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])
}

// CreateICPBrasilA3Certificate synthesizes a certificate record following
// ICP-Brasil naming conventions. No CA is contacted; the Note field documents
// the simulation.
func (s *Service) CreateICPBrasilA3Certificate(doctorID int, doctorName, crm, crmState string) *CertificateInfo {
	now := time.Now().UTC()

	randomBytes := make([]byte, 8)
	rand.Read(randomBytes)
	serial := fmt.Sprintf("%X%s", now.UnixNano(), hex.EncodeToString(randomBytes))

	return &CertificateInfo{
		Issuer:            "CN=AC TMC SAUDE SIMULADA, OU=Autoridade Certificadora Simulada, O=ICP-Brasil, C=BR",
		Subject:           fmt.Sprintf("CN=%s:%s, OU=CRM-%s, OU=A3, O=ICP-Brasil, C=BR", doctorName, crm, crmState),
		SerialNumber:      serial,
		ValidFrom:         now.Format(time.RFC3339),
		ValidTo:           now.Add(certificateLifetime).Format(time.RFC3339),
		KeyUsage:          []string{"digitalSignature", "nonRepudiation"},
		ExtendedKeyUsage:  []string{"clientAuth", "emailProtection"},
		DoctorID:          doctorID,
		DoctorName:        doctorName,
		CRM:               crm,
		CRMState:          crmState,
		ComplianceLevel:   ComplianceLevelA3,
		CertificatePolicy: CertificatePolicy,
		Note:              "Simulated ICP-Brasil A3 certificate for development use; no CA interaction",
	}
}

// PerformElectronicVerification runs the four-stage verification pipeline.
// Every stage must pass for IsValid. The function never panics or returns an
// error: internal failures degrade to IsValid=false with a note in the
// details map.
func (s *Service) PerformElectronicVerification(signatureB64, documentHash string, certInfo *CertificateInfo) (report *VerificationReport) {
	report = &VerificationReport{
		VerifiedAt:          time.Now().UTC(),
		VerificationDetails: make(map[string]string),
	}

	defer func() {
		if r := recover(); r != nil {
			report.IsValid = false
			report.VerificationDetails["error"] = fmt.Sprintf("internal verification error: %v", r)
			log.Printf("[SIGNATURE] Electronic verification panic recovered: %v", r)
		}
	}()

	if certInfo == nil {
		report.VerificationDetails["error"] = "certificate info missing"
		return report
	}

	// Stage 1: presence of signature and document hash
	report.BasicVerification = signatureB64 != "" && documentHash != ""
	if !report.BasicVerification {
		report.VerificationDetails["basic"] = "signature or document hash missing"
	}

	// Stage 2: chain of trust against the A3 constants
	report.ChainOfTrust = certInfo.ComplianceLevel == ComplianceLevelA3 &&
		certInfo.CertificatePolicy == CertificatePolicy
	if !report.ChainOfTrust {
		report.VerificationDetails["chain"] = "certificate policy or compliance level mismatch"
	}

	// Stage 3: signing timestamp freshness
	signedAt, err := time.Parse(time.RFC3339Nano, certInfo.SignedAt)
	if err != nil {
		report.VerificationDetails["timestamp"] = "unparseable signing timestamp"
	} else {
		age := time.Since(signedAt)
		report.TimestampFresh = age >= 0 && age <= FreshnessWindow
		if !report.TimestampFresh {
			report.VerificationDetails["timestamp"] = fmt.Sprintf("signature age %s exceeds freshness window", age.Round(time.Second))
		}
	}

	// Stage 4: revocation lookup by serial number. In-memory list stands in
	// for OCSP; production needs a real revocation service call.
	report.RevocationClear = !s.isRevoked(certInfo.SerialNumber)
	if !report.RevocationClear {
		report.VerificationDetails["revocation"] = "certificate serial is revoked"
	}

	report.IsValid = report.BasicVerification && report.ChainOfTrust &&
		report.TimestampFresh && report.RevocationClear

	status := "INVALID"
	if report.IsValid {
		status = "VALID"
	}
	s.audit.LogVerification(certInfo.SerialNumber, documentHash, status)

	return report
}

// RevokeSerial marks a certificate serial as revoked in the simulated
// revocation list.
func (s *Service) RevokeSerial(serialNumber string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[serialNumber] = true
}

func (s *Service) isRevoked(serialNumber string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revoked[serialNumber]
}

// AuthenticateA3Token simulates a hardware-token PIN authentication. It
// enforces the PIN format and a token round-trip delay only; a production
// port replaces this with PKCS#11 integration behind the same signature.
func (s *Service) AuthenticateA3Token(ctx context.Context, pin, certificateID string) (bool, error) {
	if len(pin) < 6 {
		return false, ErrPINTooShort
	}

	select {
	case <-time.After(s.tokenDelay):
	case <-ctx.Done():
		return false, ctx.Err()
	}

	s.audit.LogOperation(certificateID, "token", "A3_TOKEN_AUTH", "Token PIN accepted")
	return true, nil
}

// HashPIN hashes a token PIN using Argon2id
func (s *Service) HashPIN(pin string, salt []byte) (string, error) {
	if len(salt) == 0 {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	hash := argon2.IDKey([]byte(pin), salt, 1, 64*1024, 4, 32)

	result := make([]byte, len(salt)+len(hash))
	copy(result, salt)
	copy(result[len(salt):], hash)

	return base64.StdEncoding.EncodeToString(result), nil
}

// VerifyPIN verifies a token PIN against its stored hash
func (s *Service) VerifyPIN(pin, hashedPIN string) (bool, error) {
	decoded, err := base64.StdEncoding.DecodeString(hashedPIN)
	if err != nil {
		return false, fmt.Errorf("invalid PIN hash format: %w", err)
	}

	if len(decoded) < 16 {
		return false, errors.New("PIN hash too short")
	}

	salt := decoded[:16]
	storedHash := decoded[16:]

	inputHash := argon2.IDKey([]byte(pin), salt, 1, 64*1024, 4, 32)

	return subtle.ConstantTimeCompare(inputHash, storedHash) == 1, nil
}

func hashHex(content string) string {
	digest := sha256.Sum256([]byte(content))
	return hex.EncodeToString(digest[:])
}

func parsePrivateKey(privateKeyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS8 private key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}

	if rsaKey.Size()*8 < MinKeyBits {
		return nil, fmt.Errorf("key size below compliance floor of %d bits", MinKeyBits)
	}

	return rsaKey, nil
}

func parsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}

	return rsaKey, nil
}
