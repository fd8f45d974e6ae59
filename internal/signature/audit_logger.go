package signature

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	ReferenceID string    `json:"reference_id"`
	AccountID   string    `json:"account_id"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	Details     any       `json:"details"`
}

type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogSigning(serialNumber, signerID, status string) {
	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "SIGNING",
		ReferenceID: serialNumber,
		AccountID:   signerID,
		Status:      status,
	}
	a.log(event)
}

func (a *AuditLogger) LogVerification(serialNumber, documentHash, status string) {
	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "VERIFICATION",
		ReferenceID: serialNumber,
		Status:      status,
		Details:     map[string]string{"document_hash": documentHash},
	}
	a.log(event)
}

func (a *AuditLogger) LogPosting(transactionID, userID string, amount int64, status string) {
	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "LEDGER_POSTING",
		ReferenceID: transactionID,
		AccountID:   userID,
		Amount:      amount,
		Status:      status,
	}
	a.log(event)
}

func (a *AuditLogger) LogError(referenceID, accountID string, err error) {
	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "ERROR",
		ReferenceID: referenceID,
		AccountID:   accountID,
		Status:      "FAILED",
		Details:     map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *AuditLogger) LogOperation(referenceID, accountID, operation, details string) {
	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   operation,
		ReferenceID: referenceID,
		AccountID:   accountID,
		Status:      "SUCCESS",
		Details:     map[string]string{"details": details},
	}
	a.log(event)
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
