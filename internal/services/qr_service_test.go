package services

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestQRService_GenerateVerificationQR(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()
	service := NewQRService(db, redisClient)
	ctx := context.Background()

	t.Run("signed prescription yields token and image", func(t *testing.T) {
		dbMock.ExpectQuery("SELECT audit_hash, doctor_id\\s+FROM prescriptions").
			WithArgs(12).
			WillReturnRows(sqlmock.NewRows([]string{"audit_hash", "doctor_id"}).
				AddRow("a1b2c3", 42))

		redisMock.Regexp().ExpectSet(`rxqr:.*`, `.*`, 24*time.Hour).SetVal("OK")

		token, qrImage, err := service.GenerateVerificationQR(ctx, 12)
		assert.NoError(t, err)
		assert.NotEmpty(t, token)
		assert.NotEmpty(t, qrImage)

		// Token decodes back into the verification payload
		decoded, err := base64.URLEncoding.DecodeString(token)
		assert.NoError(t, err)
		assert.Contains(t, string(decoded), `"auditHash":"a1b2c3"`)
		assert.Contains(t, string(decoded), `"doctorId":42`)

		// Image is valid base64 PNG data
		imgBytes, err := base64.StdEncoding.DecodeString(qrImage)
		assert.NoError(t, err)
		assert.Equal(t, []byte("\x89PNG"), imgBytes[:4])

		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("unsigned prescription rejected", func(t *testing.T) {
		dbMock.ExpectQuery("SELECT audit_hash, doctor_id\\s+FROM prescriptions").
			WithArgs(13).
			WillReturnRows(sqlmock.NewRows([]string{"audit_hash", "doctor_id"}))

		_, _, err := service.GenerateVerificationQR(ctx, 13)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestQRService_ResolveVerificationQR(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()
	service := NewQRService(db, redisClient)
	ctx := context.Background()

	t.Run("token resolves once", func(t *testing.T) {
		payload := `{"prescriptionId":12,"auditHash":"a1b2c3","doctorId":42}`
		redisMock.ExpectGet("rxqr:token123").SetVal(payload)
		redisMock.ExpectDel("rxqr:token123").SetVal(1)

		result, err := service.ResolveVerificationQR(ctx, "token123")
		assert.NoError(t, err)
		assert.Equal(t, float64(12), result["prescriptionId"])
		assert.Equal(t, "a1b2c3", result["auditHash"])
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("expired or unknown token", func(t *testing.T) {
		redisMock.ExpectGet("rxqr:stale").RedisNil()

		_, err := service.ResolveVerificationQR(ctx, "stale")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid or expired")
	})
}
