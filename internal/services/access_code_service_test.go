package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestAccessCodeService_GenerateCode(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccessCodeService(db, nil)
	ctx := context.Background()

	t.Run("generates prefixed numeric code", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO access_codes").
			WithArgs(sqlmock.AnyArg(), 12, 7, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		code, err := service.GenerateCode(ctx, 12, 7)
		assert.NoError(t, err)
		assert.True(t, strings.HasPrefix(code, "RX"))
		assert.Len(t, code, 2+service.config.CodeLength)
		for _, c := range code[2:] {
			assert.True(t, c >= '0' && c <= '9')
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("codes differ between calls", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO access_codes").
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectExec("INSERT INTO access_codes").
			WillReturnResult(sqlmock.NewResult(3, 1))

		first, err := service.GenerateCode(ctx, 12, 7)
		assert.NoError(t, err)
		second, err := service.GenerateCode(ctx, 12, 7)
		assert.NoError(t, err)
		assert.NotEqual(t, first, second)
	})
}

func TestAccessCodeService_ValidateAndConsume(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccessCodeService(db, nil)
	ctx := context.Background()
	code := "RX12345678"
	hashed := service.hashCode(code)

	t.Run("valid code is consumed", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT prescription_id, patient_id, expires_at, used\\s+FROM access_codes").
			WithArgs(hashed).
			WillReturnRows(sqlmock.NewRows([]string{"prescription_id", "patient_id", "expires_at", "used"}).
				AddRow(12, 7, time.Now().Add(time.Hour), false))
		mock.ExpectExec("UPDATE access_codes\\s+SET used = true").
			WithArgs(sqlmock.AnyArg(), hashed).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		accessCode, err := service.ValidateAndConsume(ctx, code)
		assert.NoError(t, err)
		assert.Equal(t, 12, accessCode.PrescriptionID)
		assert.Equal(t, 7, accessCode.PatientID)
		assert.Equal(t, code, accessCode.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown code", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT prescription_id, patient_id, expires_at, used\\s+FROM access_codes").
			WithArgs(hashed).
			WillReturnRows(sqlmock.NewRows([]string{"prescription_id", "patient_id", "expires_at", "used"}))
		mock.ExpectRollback()

		_, err := service.ValidateAndConsume(ctx, code)
		assert.EqualError(t, err, "invalid code")
	})

	t.Run("already used code", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT prescription_id, patient_id, expires_at, used\\s+FROM access_codes").
			WithArgs(hashed).
			WillReturnRows(sqlmock.NewRows([]string{"prescription_id", "patient_id", "expires_at", "used"}).
				AddRow(12, 7, time.Now().Add(time.Hour), true))
		mock.ExpectRollback()

		_, err := service.ValidateAndConsume(ctx, code)
		assert.EqualError(t, err, "code already used")
	})

	t.Run("expired code", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT prescription_id, patient_id, expires_at, used\\s+FROM access_codes").
			WithArgs(hashed).
			WillReturnRows(sqlmock.NewRows([]string{"prescription_id", "patient_id", "expires_at", "used"}).
				AddRow(12, 7, time.Now().Add(-time.Hour), false))
		mock.ExpectRollback()

		_, err := service.ValidateAndConsume(ctx, code)
		assert.EqualError(t, err, "code expired")
	})
}

func TestAccessCodeService_HashCode(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccessCodeService(db, nil)

	first := service.hashCode("RX12345678")
	second := service.hashCode("RX12345678")
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
	assert.NotEqual(t, first, service.hashCode("RX12345679"))
}

func TestAccessCodeService_GetPatientCodes(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccessCodeService(db, nil)
	ctx := context.Background()

	mock.ExpectQuery("SELECT prescription_id, patient_id, expires_at, created_at, used\\s+FROM access_codes").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"prescription_id", "patient_id", "expires_at", "created_at", "used"}).
			AddRow(12, 7, time.Now().Add(time.Hour), time.Now(), false).
			AddRow(11, 7, time.Now().Add(-time.Hour), time.Now().Add(-2*time.Hour), true))

	codes, err := service.GetPatientCodes(ctx, 7)
	assert.NoError(t, err)
	assert.Len(t, codes, 2)
	for _, c := range codes {
		assert.Equal(t, "***", c.Code)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
