package models

import "time"

// User roles
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

type User struct {
	ID                      int        `json:"id" example:"1"`                    // User ID
	Email                   string     `json:"email" example:"user@example.com"`  // User email
	FullName                string     `json:"fullName" example:"Ana Souza"`      // Full name
	Role                    string     `json:"role" example:"doctor"`             // patient, doctor or admin
	CRM                     string     `json:"crm,omitempty" example:"123456"`    // Medical registration number (doctors)
	CRMState                string     `json:"crmState,omitempty" example:"SP"`   // CRM issuing state
	CNPJ                    string     `json:"cnpj,omitempty"`                    // Clinic CNPJ, when linked
	Credits                 int64      `json:"credits"`                           // TMC credit balance
	SuperiorDoctorID        *int       `json:"superiorDoctorId,omitempty"`        // Hierarchy parent, if any
	PercentageFromInferiors int        `json:"percentageFromInferiors,omitempty"` // Commission percentage (0-100)
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
	LastLogin               *time.Time `json:"lastLogin,omitempty"`
}

// HierarchyEdge is one link of the doctor commission hierarchy.
type HierarchyEdge struct {
	SuperiorID int
	Percentage int
}
