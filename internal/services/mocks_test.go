package services

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/tmchealth/backend/internal/signature"
)

type MockSigner struct {
	mock.Mock
}

func (m *MockSigner) GenerateKeyPair() (string, string, error) {
	args := m.Called()
	return args.String(0), args.String(1), args.Error(2)
}

func (m *MockSigner) SignPrescription(documentContent, privateKeyPEM string, certInfo signature.CertificateInfo) (*signature.SignatureResult, error) {
	args := m.Called(documentContent, privateKeyPEM, certInfo)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*signature.SignatureResult), args.Error(1)
}

func (m *MockSigner) VerifySignature(documentContent, signatureB64, publicKeyPEM, timestamp string) bool {
	args := m.Called(documentContent, signatureB64, publicKeyPEM, timestamp)
	return args.Bool(0)
}

func (m *MockSigner) GenerateAuditHash(result *signature.SignatureResult, doctorID, patientID int) string {
	args := m.Called(result, doctorID, patientID)
	return args.String(0)
}

func (m *MockSigner) CreateICPBrasilA3Certificate(doctorID int, doctorName, crm, crmState string) *signature.CertificateInfo {
	args := m.Called(doctorID, doctorName, crm, crmState)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*signature.CertificateInfo)
}

func (m *MockSigner) PerformElectronicVerification(signatureB64, documentHash string, certInfo *signature.CertificateInfo) *signature.VerificationReport {
	args := m.Called(signatureB64, documentHash, certInfo)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*signature.VerificationReport)
}

func (m *MockSigner) AuthenticateA3Token(ctx context.Context, pin, certificateID string) (bool, error) {
	args := m.Called(ctx, pin, certificateID)
	return args.Bool(0), args.Error(1)
}

func (m *MockSigner) RevokeSerial(serialNumber string) {
	m.Called(serialNumber)
}

func (m *MockSigner) HashPIN(pin string, salt []byte) (string, error) {
	args := m.Called(pin, salt)
	return args.String(0), args.Error(1)
}

func (m *MockSigner) VerifyPIN(pin, hashedPIN string) (bool, error) {
	args := m.Called(pin, hashedPIN)
	return args.Bool(0), args.Error(1)
}
