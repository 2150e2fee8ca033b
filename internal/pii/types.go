// Package pii implements the Shift-Left PII protocol: every DelegationContext hand-off is
// scanned for sensitive spans before it crosses an agent boundary. Detector and redactor
// shapes follow services/audit-trail/internal/pii_compliance.go's PIIRedactor, expanded with
// a Luhn-validated credit-card check, IPv6/DoB/API-key/password/heuristic-name detectors, and
// a four-way BLOCK/REDACT/WARN/ALLOW policy model the teacher's binary toggle lacked.
package pii

import "time"

// RiskLevel is the severity a detected span (or an overall scan) carries.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskOrder = map[RiskLevel]int{
	RiskNone: 0, RiskLow: 1, RiskMedium: 2, RiskHigh: 3, RiskCritical: 4,
}

// maxRisk returns whichever of a, b ranks higher.
func maxRisk(a, b RiskLevel) RiskLevel {
	if riskOrder[b] > riskOrder[a] {
		return b
	}
	return a
}

// Policy is the action a scan takes when it detects PII.
type Policy string

const (
	PolicyBlock  Policy = "block"
	PolicyRedact Policy = "redact"
	PolicyWarn   Policy = "warn"
	PolicyAllow  Policy = "allow"
)

// DetectorType names one of the regex/heuristic families the Scanner runs.
type DetectorType string

const (
	DetectorEmail        DetectorType = "email"
	DetectorPhone        DetectorType = "phone"
	DetectorSSN          DetectorType = "ssn"
	DetectorCreditCard   DetectorType = "credit_card"
	DetectorIPv4         DetectorType = "ipv4"
	DetectorIPv6         DetectorType = "ipv6"
	DetectorDoB          DetectorType = "date_of_birth"
	DetectorAPIKey       DetectorType = "api_key"
	DetectorPassword     DetectorType = "password"
	DetectorHeuristicName DetectorType = "heuristic_name"
)

// detectorRisk is the fixed risk level each detector type maps to, per the spec's table.
var detectorRisk = map[DetectorType]RiskLevel{
	DetectorEmail:         RiskLow,
	DetectorPhone:         RiskLow,
	DetectorSSN:           RiskCritical,
	DetectorCreditCard:    RiskCritical,
	DetectorIPv4:          RiskLow,
	DetectorIPv6:          RiskLow,
	DetectorDoB:           RiskMedium,
	DetectorAPIKey:        RiskHigh,
	DetectorPassword:      RiskHigh,
	DetectorHeuristicName: RiskMedium,
}

// Match is one detected span within a scanned field.
type Match struct {
	Detector   DetectorType `json:"detector"`
	Field      string       `json:"field"`
	Start      int          `json:"start"`
	End        int          `json:"end"`
	Confidence float64      `json:"confidence"`
	Risk       RiskLevel    `json:"risk"`
	Redacted   string       `json:"redacted,omitempty"`
}

// ScanResult is the outcome of one Scan call.
type ScanResult struct {
	ScanID      string    `json:"scan_id"`
	TenantID    string    `json:"tenant_id"`
	Matches     []Match   `json:"matches"`
	OverallRisk RiskLevel `json:"overall_risk"`
	Policy      Policy    `json:"policy"`
	Action      string    `json:"action"` // blocked | redacted | warned | allowed | error
	IsValidated bool      `json:"is_validated"`
	Duration    time.Duration `json:"duration"`
	PrimaryPlaneID string  `json:"primary_plane_id,omitempty"`
	ScannedAt   time.Time `json:"scanned_at"`
	Error       string    `json:"error,omitempty"`
}

// TelemetryRecord is the structured record every scan emits regardless of outcome.
type TelemetryRecord struct {
	ScanID         string        `json:"scan_id"`
	TenantID       string        `json:"tenant_id"`
	PrimaryPlaneID string        `json:"primary_plane_id,omitempty"`
	MatchCount     int           `json:"match_count"`
	Types          []DetectorType `json:"types"`
	Risk           RiskLevel     `json:"risk"`
	Policy         Policy        `json:"policy"`
	Action         string        `json:"action"`
	Duration       float64       `json:"duration_ms"`
	IsValidated    bool          `json:"is_validated"`
	RecordedAt     time.Time     `json:"recorded_at"`
}

// BlockedError is the typed exception a BLOCK policy raises on detection.
type BlockedError struct {
	Result ScanResult
}

func (e *BlockedError) Error() string {
	return "pii: hand-off blocked, scan " + e.Result.ScanID + " found " + e.Result.OverallRisk.asString()
}

func (r RiskLevel) asString() string { return string(r) }
