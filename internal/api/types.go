package api

// ApproveRequest is the body of POST /remediation/approve.
type ApproveRequest struct {
	RemediationID string `json:"remediation_id"`
	ApprovedBy    string `json:"approved_by"`
}

// ActionResponse acknowledges an approve or cancel.
type ActionResponse struct {
	Status        string `json:"status"`
	RemediationID string `json:"remediation_id"`
}

type ScanResponse struct {
	Status   string `json:"status"`
	Detected int    `json:"detected"`
}

type EnabledResponse struct {
	Enabled         bool `json:"enabled"`
	AutoPollEnabled bool `json:"auto_poll_enabled"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
