package models

import "time"

// Features is the derived feature-flag set returned to clients.
type Features struct {
	YesNoReading    bool `json:"yesNoReading"`
	DailyReading    bool `json:"dailyReading"`
	SaveReadings    bool `json:"saveReadings"`
	AnalysisTool    bool `json:"analysisTool"`
	ExtendedFeature bool `json:"extendedFeature"`
	PremiumSpread   bool `json:"premiumSpread"`
}

// Entitlement is the check-access read model for one caller.
type Entitlement struct {
	Tier              Tier               `json:"tier"`
	Status            SubscriptionStatus `json:"status"`
	Credits           int64              `json:"credits"`
	Features          Features           `json:"features"`
	CancelAtPeriodEnd *bool              `json:"cancel_at_period_end,omitempty"`
	CurrentPeriodEnd  *time.Time         `json:"current_period_end,omitempty"`
	GraceEndsAt       *time.Time         `json:"grace_ends_at,omitempty"`
}
