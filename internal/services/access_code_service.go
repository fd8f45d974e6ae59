package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/tmchealth/backend/internal/config"
)

// AccessCode is a short single-use code a patient types to open a signed
// prescription. Codes are stored hashed; the plaintext exists only in the
// generation response.
type AccessCode struct {
	Code           string    `json:"code,omitempty"`
	PrescriptionID int       `json:"prescriptionId"`
	PatientID      int       `json:"patientId"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Expired        bool      `json:"expired"`
	Used           bool      `json:"used"`
}

type AccessCodeService struct {
	db     *sql.DB
	redis  *redis.Client
	config *config.AccessCodeConfig
}

func NewAccessCodeService(db *sql.DB, redis *redis.Client) *AccessCodeService {
	return &AccessCodeService{
		db:     db,
		redis:  redis,
		config: config.LoadAccessCodeConfig(),
	}
}

// GetCodeTimeout returns how long generated codes stay valid.
func (s *AccessCodeService) GetCodeTimeout() time.Duration {
	return s.config.CodeTimeout
}

// GenerateCode issues a new access code for a prescription and patient.
func (s *AccessCodeService) GenerateCode(ctx context.Context, prescriptionID, patientID int) (string, error) {
	log.Printf("[AccessCodeService] GenerateCode - prescription: %d, patient: %d", prescriptionID, patientID)

	if err := s.checkRateLimit(ctx, patientID); err != nil {
		log.Printf("[AccessCodeService] GenerateCode - Rate limit error: %v", err)
		return "", err
	}

	code := s.config.CodePrefix + s.generateSecureCode()
	hashedCode := s.hashCode(code)
	expiresAt := time.Now().Add(s.config.CodeTimeout)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_codes (code_hash, prescription_id, patient_id, expires_at, used)
		VALUES ($1, $2, $3, $4, false)
	`, hashedCode, prescriptionID, patientID, expiresAt)

	if err != nil {
		log.Printf("[AccessCodeService] GenerateCode - DB insert error: %v", err)
		return "", fmt.Errorf("failed to store code: %w", err)
	}

	s.incrementRateLimit(ctx, patientID)

	return code, nil
}

// ValidateAndConsume checks a code and burns it. The row is locked so two
// concurrent redemptions of the same code cannot both succeed.
func (s *AccessCodeService) ValidateAndConsume(ctx context.Context, code string) (*AccessCode, error) {
	hashedCode := s.hashCode(code)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var accessCode AccessCode
	var used bool
	err = tx.QueryRowContext(ctx, `
		SELECT prescription_id, patient_id, expires_at, used
		FROM access_codes
		WHERE code_hash = $1
		FOR UPDATE
	`, hashedCode).Scan(&accessCode.PrescriptionID, &accessCode.PatientID, &accessCode.ExpiresAt, &used)

	if err == sql.ErrNoRows {
		return nil, errors.New("invalid code")
	}
	if err != nil {
		return nil, err
	}

	if used {
		return nil, errors.New("code already used")
	}

	if time.Now().After(accessCode.ExpiresAt) {
		return nil, errors.New("code expired")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE access_codes
		SET used = true, used_at = $1
		WHERE code_hash = $2
	`, time.Now(), hashedCode)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	accessCode.Code = code
	return &accessCode, nil
}

func (s *AccessCodeService) generateSecureCode() string {
	const charset = "0123456789"
	code := make([]byte, s.config.CodeLength)
	charsetLen := big.NewInt(int64(len(charset)))

	for i := range code {
		n, _ := rand.Int(rand.Reader, charsetLen)
		code[i] = charset[n.Int64()]
	}

	return string(code)
}

func (s *AccessCodeService) hashCode(code string) string {
	hash := sha256.Sum256([]byte(code))
	for i := 1; i < s.config.HashIterations; i++ {
		hash = sha256.Sum256(hash[:])
	}
	return hex.EncodeToString(hash[:])
}

func (s *AccessCodeService) checkRateLimit(ctx context.Context, patientID int) error {
	if s.redis == nil {
		return nil
	}

	key := fmt.Sprintf("accesscode:ratelimit:%d", patientID)
	count, err := s.redis.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return err
	}

	if count >= s.config.MaxGenerationPerUser {
		return errors.New("rate limit exceeded")
	}

	return nil
}

func (s *AccessCodeService) incrementRateLimit(ctx context.Context, patientID int) {
	if s.redis == nil {
		return
	}

	key := fmt.Sprintf("accesscode:ratelimit:%d", patientID)
	pipe := s.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.RateLimitWindow)
	pipe.Exec(ctx)
}

// CleanupExpiredCodes prunes stale rows; meant for a periodic job.
func (s *AccessCodeService) CleanupExpiredCodes(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM access_codes
		WHERE expires_at < $1 OR (used = true AND used_at < $2)
	`, time.Now(), time.Now().Add(-24*time.Hour))
	return err
}

// GetPatientCodes lists a patient's codes with the plaintext masked.
func (s *AccessCodeService) GetPatientCodes(ctx context.Context, patientID int) ([]AccessCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT prescription_id, patient_id, expires_at, created_at, used
		FROM access_codes
		WHERE patient_id = $1
		ORDER BY expires_at DESC
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []AccessCode
	for rows.Next() {
		var code AccessCode
		var used bool
		if err := rows.Scan(&code.PrescriptionID, &code.PatientID, &code.ExpiresAt, &code.CreatedAt, &used); err != nil {
			return nil, err
		}

		code.Expired = time.Now().After(code.ExpiresAt) || used
		code.Used = used
		code.Code = "***" // Masked for security
		codes = append(codes, code)
	}

	return codes, rows.Err()
}
