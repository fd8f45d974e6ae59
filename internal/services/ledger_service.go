package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tmchealth/backend/internal/models"
	"github.com/tmchealth/backend/internal/signature"
)

// Ledger error taxonomy. Insufficient funds is a normal outcome; callers
// branch on the sentinel with errors.Is instead of mixing nil returns and
// thrown errors across call sites.
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrInsufficientBalance = errors.New("insufficient TMC balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrSelfTransfer        = errors.New("cannot transfer credits to the same user")
)

// Commission fan-out stops after this many hierarchy levels.
const maxCommissionLevels = 3

// LedgerService owns every mutation of a user's TMC balance. All operations
// run inside a single database transaction with the balance row locked, so
// concurrent postings on the same user serialize.
type LedgerService struct {
	db    *sql.DB
	audit *signature.AuditLogger
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{
		db:    db,
		audit: signature.NewAuditLogger(),
	}
}

// ProcessCredit credits amount to the user's balance and appends the
// transaction row, atomically.
func (s *LedgerService) ProcessCredit(ctx context.Context, userID int, amount int64, reason string, ref models.TransactionRef) (*models.TMCTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	record, err := s.postLocked(ctx, tx, userID, amount, models.TransactionCredit, reason, ref)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogPosting(record.TransactionID, fmt.Sprintf("%d", userID), amount, "CREDITED")
	return record, nil
}

// ProcessDebit debits amount from the user's balance. A balance below the
// requested amount aborts the unit-of-work and returns ErrInsufficientBalance
// with no mutation; the balance never goes negative.
func (s *LedgerService) ProcessDebit(ctx context.Context, userID int, amount int64, reason string, ref models.TransactionRef) (*models.TMCTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	record, err := s.postLocked(ctx, tx, userID, -amount, models.TransactionDebit, reason, ref)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogPosting(record.TransactionID, fmt.Sprintf("%d", userID), -amount, "DEBITED")
	return record, nil
}

// TransferCredits moves amount between two users in one unit-of-work,
// recording a debit row for the sender and a credit row for the recipient,
// cross-referenced through related_user_id. Rows are locked in ascending user
// id order so two crossing transfers cannot deadlock.
func (s *LedgerService) TransferCredits(ctx context.Context, fromUserID, toUserID int, amount int64, reason string) (*models.TMCTransaction, *models.TMCTransaction, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	// Both legs would write the same balance row, with the credit leg
	// overwriting the debit leg.
	if fromUserID == toUserID {
		return nil, nil, ErrSelfTransfer
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	// Lock both rows in ascending id order
	firstLock, secondLock := fromUserID, toUserID
	if fromUserID > toUserID {
		firstLock, secondLock = toUserID, fromUserID
	}

	firstBalance, err := s.lockBalance(ctx, tx, firstLock)
	if err != nil {
		return nil, nil, s.notFoundError(err, firstLock, fromUserID)
	}

	secondBalance, err := s.lockBalance(ctx, tx, secondLock)
	if err != nil {
		return nil, nil, s.notFoundError(err, secondLock, fromUserID)
	}

	fromBalance, toBalance := firstBalance, secondBalance
	if firstLock != fromUserID {
		fromBalance, toBalance = secondBalance, firstBalance
	}

	if fromBalance < amount {
		return nil, nil, ErrInsufficientBalance
	}

	transferID := uuid.New().String()

	debitTx, err := s.insertTransaction(ctx, tx, &models.TMCTransaction{
		TransactionID: transferID,
		UserID:        fromUserID,
		Type:          models.TransactionTransfer,
		Amount:        -amount,
		Reason:        reason,
		FunctionUsed:  "transfer",
		RelatedUserID: &toUserID,
		BalanceBefore: fromBalance,
		BalanceAfter:  fromBalance - amount,
	})
	if err != nil {
		return nil, nil, err
	}

	creditTx, err := s.insertTransaction(ctx, tx, &models.TMCTransaction{
		TransactionID: transferID,
		UserID:        toUserID,
		Type:          models.TransactionTransfer,
		Amount:        amount,
		Reason:        reason,
		FunctionUsed:  "transfer",
		RelatedUserID: &fromUserID,
		BalanceBefore: toBalance,
		BalanceAfter:  toBalance + amount,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := s.setBalance(ctx, tx, fromUserID, fromBalance-amount); err != nil {
		return nil, nil, err
	}
	if err := s.setBalance(ctx, tx, toUserID, toBalance+amount); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	s.audit.LogPosting(transferID, fmt.Sprintf("%d->%d", fromUserID, toUserID), amount, "TRANSFERRED")
	return debitTx, creditTx, nil
}

// ProcessHierarchicalCommission walks the superior chain upward from the
// doctor, crediting each superior its percentage of the previous level's
// amount: level 1 takes its cut of the base amount, level 2 a cut of level
// 1's commission, and so on. The fan-out caps at three levels and a visited
// set guards against misconfigured cycles. All postings commit together.
func (s *LedgerService) ProcessHierarchicalCommission(ctx context.Context, doctorID int, amount int64, functionUsed string, appointmentID *int) ([]*models.TMCTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var posted []*models.TMCTransaction
	visited := map[int]bool{doctorID: true}
	currentID := doctorID
	carried := amount

	for level := 1; level <= maxCommissionLevels; level++ {
		edge, err := s.getSuperior(ctx, tx, currentID)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return nil, err
		}

		if visited[edge.SuperiorID] {
			break
		}
		visited[edge.SuperiorID] = true

		commission := carried * int64(edge.Percentage) / 100
		if commission <= 0 {
			break
		}

		balance, err := s.lockBalance(ctx, tx, edge.SuperiorID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, ErrUserNotFound
			}
			return nil, err
		}

		record, err := s.insertTransaction(ctx, tx, &models.TMCTransaction{
			TransactionID: uuid.New().String(),
			UserID:        edge.SuperiorID,
			Type:          models.TransactionCredit,
			Amount:        commission,
			Reason:        fmt.Sprintf("Hierarchical commission level %d from %s", level, functionUsed),
			FunctionUsed:  functionUsed,
			RelatedUserID: &doctorID,
			BalanceBefore: balance,
			BalanceAfter:  balance + commission,
			AppointmentID: appointmentID,
		})
		if err != nil {
			return nil, err
		}

		if err := s.setBalance(ctx, tx, edge.SuperiorID, balance+commission); err != nil {
			return nil, err
		}

		posted = append(posted, record)
		carried = commission
		currentID = edge.SuperiorID
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, record := range posted {
		s.audit.LogPosting(record.TransactionID, fmt.Sprintf("%d", record.UserID), record.Amount, "COMMISSION")
	}
	return posted, nil
}

// RechargeCredits is the named credit wrapper used by recharge flows.
func (s *LedgerService) RechargeCredits(ctx context.Context, userID int, amount int64, method string) (*models.TMCTransaction, error) {
	return s.ProcessCredit(ctx, userID, amount, fmt.Sprintf("Credit recharge via %s", method), models.TransactionRef{
		FunctionUsed: "recharge",
	})
}

// GetUserBalance reads the current TMC balance without locking.
func (s *LedgerService) GetUserBalance(ctx context.Context, userID int) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(credits, 0) FROM users WHERE id = $1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// GetTransactionHistory returns the user's ledger rows, newest first.
func (s *LedgerService) GetTransactionHistory(ctx context.Context, userID, limit int) ([]models.TMCTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, user_id, type, amount, reason, function_used,
		       related_user_id, balance_before, balance_after, appointment_id,
		       medical_record_id, created_at
		FROM tmc_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []models.TMCTransaction{}
	for rows.Next() {
		var t models.TMCTransaction
		var functionUsed sql.NullString
		var relatedUserID, appointmentID, medicalRecordID sql.NullInt64
		if err := rows.Scan(&t.ID, &t.TransactionID, &t.UserID, &t.Type, &t.Amount,
			&t.Reason, &functionUsed, &relatedUserID, &t.BalanceBefore, &t.BalanceAfter,
			&appointmentID, &medicalRecordID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.FunctionUsed = functionUsed.String
		if relatedUserID.Valid {
			v := int(relatedUserID.Int64)
			t.RelatedUserID = &v
		}
		if appointmentID.Valid {
			v := int(appointmentID.Int64)
			t.AppointmentID = &v
		}
		if medicalRecordID.Valid {
			v := int(medicalRecordID.Int64)
			t.MedicalRecordID = &v
		}
		history = append(history, t)
	}
	return history, rows.Err()
}

// postLocked performs the lock -> read -> compute -> write -> append sequence
// for a single-user posting. amount is signed; a negative posting that would
// take the balance below zero fails with ErrInsufficientBalance.
func (s *LedgerService) postLocked(ctx context.Context, tx *sql.Tx, userID int, amount int64, txType, reason string, ref models.TransactionRef) (*models.TMCTransaction, error) {
	balance, err := s.lockBalance(ctx, tx, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	newBalance := balance + amount
	if newBalance < 0 {
		return nil, ErrInsufficientBalance
	}

	record, err := s.insertTransaction(ctx, tx, &models.TMCTransaction{
		TransactionID:   uuid.New().String(),
		UserID:          userID,
		Type:            txType,
		Amount:          amount,
		Reason:          reason,
		FunctionUsed:    ref.FunctionUsed,
		RelatedUserID:   ref.RelatedUserID,
		BalanceBefore:   balance,
		BalanceAfter:    newBalance,
		AppointmentID:   ref.AppointmentID,
		MedicalRecordID: ref.MedicalRecordID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.setBalance(ctx, tx, userID, newBalance); err != nil {
		return nil, err
	}

	return record, nil
}

func (s *LedgerService) lockBalance(ctx context.Context, tx *sql.Tx, userID int) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(credits, 0)
		FROM users
		WHERE id = $1
		FOR UPDATE`, userID).Scan(&balance)
	return balance, err
}

func (s *LedgerService) setBalance(ctx context.Context, tx *sql.Tx, userID int, newBalance int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE users
		SET credits = $1, updated_at = $2
		WHERE id = $3`, newBalance, time.Now(), userID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *LedgerService) insertTransaction(ctx context.Context, tx *sql.Tx, record *models.TMCTransaction) (*models.TMCTransaction, error) {
	record.CreatedAt = time.Now()
	err := tx.QueryRowContext(ctx, `
		INSERT INTO tmc_transactions
			(transaction_id, user_id, type, amount, reason, function_used,
			 related_user_id, balance_before, balance_after, appointment_id,
			 medical_record_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		record.TransactionID, record.UserID, record.Type, record.Amount,
		record.Reason, nullString(record.FunctionUsed), nullInt(record.RelatedUserID),
		record.BalanceBefore, record.BalanceAfter, nullInt(record.AppointmentID),
		nullInt(record.MedicalRecordID), record.CreatedAt).Scan(&record.ID)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// getSuperior resolves the current user's hierarchy parent and the
// percentage that parent takes from inferiors. sql.ErrNoRows means the chain
// ended.
func (s *LedgerService) getSuperior(ctx context.Context, tx *sql.Tx, userID int) (*models.HierarchyEdge, error) {
	var edge models.HierarchyEdge
	err := tx.QueryRowContext(ctx, `
		SELECT s.id, COALESCE(s.percentage_from_inferiors, 0)
		FROM users u
		JOIN users s ON s.id = u.superior_doctor_id
		WHERE u.id = $1`, userID).Scan(&edge.SuperiorID, &edge.Percentage)
	if err != nil {
		return nil, err
	}
	return &edge, nil
}

func (s *LedgerService) notFoundError(err error, lockedID, fromUserID int) error {
	if err != sql.ErrNoRows {
		return err
	}
	if lockedID == fromUserID {
		return ErrUserNotFound
	}
	return ErrRecipientNotFound
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
