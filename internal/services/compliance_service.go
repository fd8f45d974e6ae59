package services

import (
	"net/http"
	"regexp"
	"strings"
)

// ComplianceService validates Brazilian healthcare registry identifiers:
// CNPJ (legal entity), CNES (health establishment) and CRM (medical
// registration).
type ComplianceService struct {
	validator *ValidationHelper
}

// ComplianceCheckRequest represents a registry identifier validation
type ComplianceCheckRequest struct {
	CNPJ     string `json:"cnpj,omitempty"`
	CNES     string `json:"cnes,omitempty"`
	CRM      string `json:"crm,omitempty"`
	CRMState string `json:"crmState,omitempty"`
}

// ComplianceCheckResponse reports each identifier's validity
type ComplianceCheckResponse struct {
	CNPJValid *bool `json:"cnpjValid,omitempty"`
	CNESValid *bool `json:"cnesValid,omitempty"`
	CRMValid  *bool `json:"crmValid,omitempty"`
}

var (
	nonDigits = regexp.MustCompile(`\D`)
	crmFormat = regexp.MustCompile(`^\d{4,6}$`)

	brazilStates = map[string]bool{
		"AC": true, "AL": true, "AP": true, "AM": true, "BA": true, "CE": true,
		"DF": true, "ES": true, "GO": true, "MA": true, "MT": true, "MS": true,
		"MG": true, "PA": true, "PB": true, "PR": true, "PE": true, "PI": true,
		"RJ": true, "RN": true, "RS": true, "RO": true, "RR": true, "SC": true,
		"SP": true, "SE": true, "TO": true,
	}
)

func NewComplianceService() *ComplianceService {
	return &ComplianceService{
		validator: NewValidationHelper(),
	}
}

// Check validates registry identifiers
// @Summary Validate healthcare registry identifiers
// @Description Validate CNPJ, CNES and CRM identifiers against their format and check-digit rules
// @Tags compliance
// @Accept json
// @Produce json
// @Param request body ComplianceCheckRequest true "Identifiers to validate"
// @Success 200 {object} ComplianceCheckResponse
// @Failure 400 {object} ErrorResponse
// @Router /compliance/check [post]
func (cs *ComplianceService) Check(w http.ResponseWriter, r *http.Request) {
	var req ComplianceCheckRequest
	if !decodeRequest(w, r, cs.validator, &req) {
		return
	}

	if req.CNPJ == "" && req.CNES == "" && req.CRM == "" {
		SendErrorResponse(w, "At least one identifier is required", http.StatusBadRequest, nil)
		return
	}

	var resp ComplianceCheckResponse
	if req.CNPJ != "" {
		v := ValidateCNPJ(req.CNPJ)
		resp.CNPJValid = &v
	}
	if req.CNES != "" {
		v := ValidateCNES(req.CNES)
		resp.CNESValid = &v
	}
	if req.CRM != "" {
		v := ValidateCRM(req.CRM, req.CRMState)
		resp.CRMValid = &v
	}

	writeJSON(w, resp)
}

// ValidateCNPJ checks the 14-digit CNPJ including both check digits.
func ValidateCNPJ(cnpj string) bool {
	digits := nonDigits.ReplaceAllString(cnpj, "")
	if len(digits) != 14 {
		return false
	}
	if allSameDigit(digits) {
		return false
	}

	firstWeights := []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	secondWeights := []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}

	if cnpjCheckDigit(digits[:12], firstWeights) != int(digits[12]-'0') {
		return false
	}
	return cnpjCheckDigit(digits[:13], secondWeights) == int(digits[13]-'0')
}

// ValidateCNES checks the 7-digit CNES establishment code. The registry
// publishes no check-digit rule, so this validates shape only.
func ValidateCNES(cnes string) bool {
	digits := nonDigits.ReplaceAllString(cnes, "")
	if len(digits) != 7 {
		return false
	}
	return !allSameDigit(digits)
}

// ValidateCRM checks the CRM number format and the issuing state.
func ValidateCRM(crm, state string) bool {
	digits := nonDigits.ReplaceAllString(crm, "")
	if !crmFormat.MatchString(digits) {
		return false
	}
	return brazilStates[strings.ToUpper(strings.TrimSpace(state))]
}

func cnpjCheckDigit(digits string, weights []int) int {
	sum := 0
	for i, w := range weights {
		sum += int(digits[i]-'0') * w
	}
	remainder := sum % 11
	if remainder < 2 {
		return 0
	}
	return 11 - remainder
}

func allSameDigit(digits string) bool {
	for i := 1; i < len(digits); i++ {
		if digits[i] != digits[0] {
			return false
		}
	}
	return true
}
