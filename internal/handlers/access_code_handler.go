package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/tmchealth/backend/internal/services"
)

type AccessCodeHandler struct {
	service   *services.AccessCodeService
	validator *services.ValidationHelper
}

func NewAccessCodeHandler(service *services.AccessCodeService) *AccessCodeHandler {
	return &AccessCodeHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// GenerateCode issues a single-use access code for a signed prescription
// @Summary Generate prescription access code
// @Description Generate a cryptographically secure single-use code a patient can read out at a pharmacy
// @Tags access-codes
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{prescription_id=int} true "Access code request"
// @Success 200 {object} object{code=string,expiresIn=int}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /access-codes/generate [post]
func (h *AccessCodeHandler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		log.Printf("[ACCESSCODE] GenerateCode - Unauthorized: userID missing or invalid")
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	patientID, err := strconv.Atoi(userID)
	if err != nil {
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
		log.Printf("[ACCESSCODE] GenerateCode - Decode error: %v", err)
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		log.Printf("[ACCESSCODE] GenerateCode - Multiple JSON objects detected")
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		log.Printf("[ACCESSCODE] GenerateCode - Validation error: %v", err)
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	code, err := h.service.GenerateCode(r.Context(), req.PrescriptionID, patientID)
	if err != nil {
		log.Printf("[ACCESSCODE] GenerateCode - Service error: %v", err)
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	expiresIn := int(h.service.GetCodeTimeout().Seconds())
	log.Printf("[ACCESSCODE] GenerateCode - Success for prescription %d, expiresIn=%d", req.PrescriptionID, expiresIn)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"code":      code,
		"expiresIn": expiresIn,
	})
}

// ValidateCode validates and consumes an access code
// @Summary Validate prescription access code
// @Description Validate and consume a single-use access code at dispensing time
// @Tags access-codes
// @Accept json
// @Produce json
// @Param request body object{code=string} true "Code validation request"
// @Success 200 {object} services.AccessCode
// @Failure 400 {object} services.ErrorResponse
// @Router /access-codes/validate [post]
func (h *AccessCodeHandler) ValidateCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code" validate:"required"`
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

	accessCode, err := h.service.ValidateAndConsume(r.Context(), req.Code)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(accessCode)
}

// GetPatientCodes retrieves the authenticated patient's access codes
// @Summary Get patient access codes
// @Description Get all access codes generated for the authenticated patient
// @Tags access-codes
// @Produce json
// @Security BearerAuth
// @Success 200 {array} services.AccessCode
// @Failure 401 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /access-codes [get]
func (h *AccessCodeHandler) GetPatientCodes(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	patientID, err := strconv.Atoi(userID)
	if err != nil {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	codes, err := h.service.GetPatientCodes(r.Context(), patientID)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(codes)
}
