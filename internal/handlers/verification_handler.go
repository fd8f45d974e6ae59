package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/tmchealth/backend/internal/services"
)

type VerificationHandler struct {
	service   *services.QRService
	validator *services.ValidationHelper
}

func NewVerificationHandler(service *services.QRService) *VerificationHandler {
	return &VerificationHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// GenerateQR generates a verification QR code for a signed prescription
// @Summary Generate verification QR Code
// @Description Generate a QR code that lets a pharmacy verify a signed prescription
// @Tags verification
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{prescription_id=int} true "QR generation request"
// @Success 200 {object} object{token=string,qrImage=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /verification/qr [post]
func (h *VerificationHandler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		PrescriptionID int `json:"prescription_id" validate:"required,gt=0"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	token, qrImage, err := h.service.GenerateVerificationQR(r.Context(), req.PrescriptionID)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"token":   token,
		"qrImage": qrImage,
	})
}

// ResolveQR resolves a scanned verification QR token
// @Summary Resolve verification QR Code
// @Description Resolve a scanned QR token to the prescription verification payload. Tokens are single-use.
// @Tags verification
// @Accept json
// @Produce json
// @Param request body object{token=string} true "QR resolution request"
// @Success 200 {object} object{data=object}
// @Failure 400 {object} services.ErrorResponse
// @Router /verification/qr/resolve [post]
func (h *VerificationHandler) ResolveQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.ResolveVerificationQR(r.Context(), req.Token)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    result,
	})
}
