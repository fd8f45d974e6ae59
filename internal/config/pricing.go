package config

// PricingConfig holds the TMC cost of each paid platform feature.
type PricingConfig struct {
	AITriage            int64
	AIDiagnosis         int64
	VideoConsultation   int64
	PrescriptionSigning int64
	DefaultFeatureCost  int64
	CommissionBase      int64
}

func LoadPricingConfig() *PricingConfig {
	return &PricingConfig{
		AITriage:            getEnvAsInt64("PRICE_AI_TRIAGE", 5),
		AIDiagnosis:         getEnvAsInt64("PRICE_AI_DIAGNOSIS", 10),
		VideoConsultation:   getEnvAsInt64("PRICE_VIDEO_CONSULTATION", 50),
		PrescriptionSigning: getEnvAsInt64("PRICE_PRESCRIPTION_SIGNING", 2),
		DefaultFeatureCost:  getEnvAsInt64("PRICE_DEFAULT_FEATURE", 1),
		CommissionBase:      getEnvAsInt64("COMMISSION_BASE_AMOUNT", 0),
	}
}

// CostFor maps a feature name to its TMC price, falling back to the default
// cost for unknown features.
func (c *PricingConfig) CostFor(feature string) int64 {
	switch feature {
	case "ai_triage":
		return c.AITriage
	case "ai_diagnosis":
		return c.AIDiagnosis
	case "video_consultation":
		return c.VideoConsultation
	case "prescription_signing":
		return c.PrescriptionSigning
	default:
		return c.DefaultFeatureCost
	}
}
