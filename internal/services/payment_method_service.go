package services

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
)

type PaymentMethod struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	LogoData string `json:"logoData"`
}

const (
	logosDir = "./static/payment-logos"
	demoSVG  = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 200"><rect width="200" height="200" fill="#f0f0f0"/><path d="M100 60c-22.1 0-40 17.9-40 40s17.9 40 40 40 40-17.9 40-40-17.9-40-40-40zm0 65c-13.8 0-25-11.2-25-25s11.2-25 25-25 25 11.2 25 25-11.2 25-25 25z" fill="#999"/><text x="100" y="170" text-anchor="middle" font-family="Arial" font-size="14" fill="#666">PAY</text></svg>`
)

var paymentLogos = map[string]string{
	"pix":           "pix.svg",
	"boleto":        "boleto.svg",
	"credit_card":   "credit-card.svg",
	"debit_card":    "debit-card.svg",
	"health_plan":   "health-plan.svg",
	"bank_transfer": "bank-transfer.svg",
}

var rechargeMethods = []PaymentMethod{
	{Code: "pix", Name: "PIX"},
	{Code: "boleto", Name: "Boleto Bancario"},
	{Code: "credit_card", Name: "Cartao de Credito"},
	{Code: "debit_card", Name: "Cartao de Debito"},
	{Code: "health_plan", Name: "Convenio / Plano de Saude"},
	{Code: "bank_transfer", Name: "Transferencia Bancaria"},
}

type PaymentMethodService struct{}

func NewPaymentMethodService() *PaymentMethodService {
	return &PaymentMethodService{}
}

// GetRechargeMethods lists the payment methods available for credit recharges.
func (ps *PaymentMethodService) GetRechargeMethods(w http.ResponseWriter, r *http.Request) {
	methods := make([]PaymentMethod, len(rechargeMethods))
	copy(methods, rechargeMethods)

	for i := range methods {
		methods[i].LogoData = ps.LoadLogo(methods[i].Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	json.NewEncoder(w).Encode(methods)
}

func (ps *PaymentMethodService) LoadLogo(code string) string {
	filename, ok := paymentLogos[code]
	if !ok {
		return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(demoSVG))
	}

	path := filepath.Join(logosDir, filename)
	if data, err := os.ReadFile(path); err == nil {
		return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString(data)
	}

	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(demoSVG))
}
