package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
	Error       string `json:"error,omitempty"`
}

// LedgerMetrics is returned by GET /v1/metrics/ledger.
type LedgerMetrics struct {
	DebitsCommitted   int64   `json:"debitsCommitted"`
	CreditsCommitted  int64   `json:"creditsCommitted"`
	Rejected          int64   `json:"rejected"`
	RejectionRate     float64 `json:"rejectionRate"`
	AccountsCreated   int64   `json:"accountsCreated"`
	StoreRetries      int64   `json:"storeRetries"`
	OwnerCacheHitRate float64 `json:"ownerCacheHitRate"`
	Period            string  `json:"period"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
