package services

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
)

// SettlementService converts TMC recharge payments into ISO 20022 messages
// for PIX/bank settlement reporting. The credit ledger itself stays in TMC;
// only the fiat leg of a recharge is exported here.
type SettlementService struct {
	validator *ValidationHelper
}

// RechargeSettlement describes the fiat leg of a credit recharge.
type RechargeSettlement struct {
	TransactionID string  `json:"transactionId" validate:"required,max=35"`
	ReferenceID   string  `json:"referenceId" validate:"required,max=35"`
	PayerName     string  `json:"payerName" validate:"required,max=140"`
	PayerBankCode string  `json:"payerBankCode" validate:"required,max=35"`
	Amount        float64 `json:"amount" validate:"required,gt=0"`
	Currency      string  `json:"currency" validate:"required,len=3"`
}

func NewSettlementService() *SettlementService {
	return &SettlementService{
		validator: NewValidationHelper(),
	}
}

// ConvertRecharge converts a recharge to ISO 20022 XML
// @Summary Convert recharge to ISO 20022
// @Description Convert a TMC recharge payment to a pacs.008 XML settlement message
// @Tags settlement
// @Accept json
// @Produce json
// @Param recharge body RechargeSettlement true "Recharge to convert"
// @Success 200 {object} object{status=string,messageType=string,xml=string}
// @Failure 400 {object} ErrorResponse
// @Router /settlement/convert [post]
func (ss *SettlementService) ConvertRecharge(w http.ResponseWriter, r *http.Request) {
	var req RechargeSettlement
	if !decodeRequest(w, r, ss.validator, &req) {
		return
	}

	pacs008, err := ss.CreatePacs008(&req)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	xmlData, err := ss.ConvertToXML(pacs008)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, map[string]any{
		"status":      "converted",
		"messageType": "pacs.008.001.08",
		"xml":         xmlData,
	})
}

// ProcessSettlement confirms a recharge settlement
// @Summary Confirm recharge settlement
// @Description Produce a pacs.002 status report for a recharge and forward it to settlement
// @Tags settlement
// @Accept json
// @Produce json
// @Param recharge body RechargeSettlement true "Recharge to settle"
// @Success 200 {object} object{status=string,messageType=string}
// @Failure 400 {object} ErrorResponse
// @Router /settlement/confirm [post]
func (ss *SettlementService) ProcessSettlement(w http.ResponseWriter, r *http.Request) {
	var req RechargeSettlement
	if !decodeRequest(w, r, ss.validator, &req) {
		return
	}

	pacs002, err := ss.CreatePacs002(&req, "ACCP")
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	if err := ss.SendToSettlement(pacs002); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, map[string]any{
		"status":      "settled",
		"messageType": "pacs.002.001.08",
	})
}

func (ss *SettlementService) SendToSettlement(doc interface{}) error {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal XML: %w", err)
	}

	// TODO: wire the PSP settlement endpoint once the PIX provider is chosen
	fmt.Printf("Sending to settlement: %s\n", string(xmlData))
	return nil
}

// CreatePacs008 creates a pacs.008 FIToFICustomerCreditTransfer message for
// the recharge's fiat leg.
func (ss *SettlementService) CreatePacs008(rs *RechargeSettlement) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	msgId := uuid.New().String()
	creDtTm := time.Now()
	settlementDate := time.Now()

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(rs.Currency),
				Value: rs.Amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG", // Clearing
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(rs.TransactionID)}[0],
					EndToEndId: common.Max35Text(rs.ReferenceID),
					TxId:       &[]common.Max35Text{common.Max35Text(rs.TransactionID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(rs.Currency),
					Value: rs.Amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(rs.PayerBankCode),
						},
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(rs.PayerName)}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier("TMCHEALT")}[0],
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text("TMC Health Platform")}[0],
				},
			},
		},
	}

	return doc, nil
}

// CreatePacs002 creates a pacs.002 payment status report
func (ss *SettlementService) CreatePacs002(rs *RechargeSettlement, status string) (*pacs_v08.FIToFIPaymentStatusReportV08, error) {
	msgId := uuid.New().String()
	creDtTm := time.Now()

	doc := &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &[]common.Max35Text{common.Max35Text(rs.TransactionID)}[0],
				OrgnlEndToEndId: &[]common.Max35Text{common.Max35Text(rs.ReferenceID)}[0],
				OrgnlTxId:       &[]common.Max35Text{common.Max35Text(rs.TransactionID)}[0],
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(status)}[0], // ACCP, RJCT, ACSC, etc.
			},
		},
	}

	return doc, nil
}

// ConvertToXML converts an ISO 20022 document to an XML string
func (ss *SettlementService) ConvertToXML(doc interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}
