package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

// QRService issues verification QR codes for signed prescriptions. The QR
// encodes an opaque token; the verification payload lives in Redis with a
// TTL and is consumed on first lookup.
type QRService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewQRService(db *sql.DB, redis *redis.Client) *QRService {
	return &QRService{
		db:    db,
		redis: redis,
	}
}

// GenerateVerificationQR returns the opaque token and a base64 PNG QR image
// for a signed prescription.
func (s *QRService) GenerateVerificationQR(ctx context.Context, prescriptionID int) (string, string, error) {
	var auditHash string
	var doctorID int
	err := s.db.QueryRowContext(ctx, `
		SELECT audit_hash, doctor_id
		FROM prescriptions
		WHERE id = $1 AND status = 'signed'`, prescriptionID).Scan(&auditHash, &doctorID)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("signed prescription %d not found", prescriptionID)
	}
	if err != nil {
		return "", "", err
	}

	payload := map[string]any{
		"prescriptionId": prescriptionID,
		"auditHash":      auditHash,
		"doctorId":       doctorID,
		"timestamp":      time.Now().Unix(),
		"nonce":          s.generateNonce(),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	token := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("rxqr:%s", token)
	if err := s.redis.Set(ctx, key, jsonData, 24*time.Hour).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(token, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	return token, qrImage, nil
}

// ResolveVerificationQR consumes a QR token and returns the verification
// payload. Tokens are single-use.
func (s *QRService) ResolveVerificationQR(ctx context.Context, token string) (map[string]any, error) {
	key := fmt.Sprintf("rxqr:%s", token)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired verification code")
	}
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)

	return result, nil
}

func (s *QRService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
