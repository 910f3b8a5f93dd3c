package scanning

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Severity is the canonical severity bucket of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (s Severity) String() string { return string(s) }

// UnmarshalJSON accepts severity names in any case, so "High" decodes as
// SeverityHigh. Unknown names are kept (lowercased) for validation to reject.
func (s *Severity) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*s = Severity(v).normalize()
	return nil
}

func (s Severity) normalize() Severity {
	return Severity(strings.ToLower(strings.TrimSpace(string(s))))
}

// Severities lists every bucket from most to least severe.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// Confidence is how sure the tool is that a finding is real.
type Confidence string

const (
	ConfidenceConfirmed Confidence = "confirmed"
	ConfidenceHigh      Confidence = "high"
	ConfidenceMedium    Confidence = "medium"
	ConfidenceLow       Confidence = "low"
)

func (c Confidence) String() string { return string(c) }

// ParseSeverity maps vendor risk values onto a Severity. Strings match case
// insensitively; numbers (and numeric strings) follow the 3/2/1/0 risk code
// scale. Anything unrecognized falls to SeverityInfo so that unexpected
// vendor output never drops a finding.
func ParseSeverity(v any) Severity {
	switch val := v.(type) {
	case Severity:
		return ParseSeverity(string(val))
	case string:
		return severityFromString(val)
	case int:
		return severityFromCode(int64(val))
	case int32:
		return severityFromCode(int64(val))
	case int64:
		return severityFromCode(val)
	case float64:
		if val != math.Trunc(val) {
			return SeverityInfo
		}
		return severityFromCode(int64(val))
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return severityFromCode(n)
		}
		return SeverityInfo
	default:
		return SeverityInfo
	}
}

func severityFromString(s string) Severity {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium", "moderate":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "info", "informational", "information":
		return SeverityInfo
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return severityFromCode(n)
	}
	return SeverityInfo
}

func severityFromCode(n int64) Severity {
	switch n {
	case 3:
		return SeverityHigh
	case 2:
		return SeverityMedium
	case 1:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// ParseConfidence maps vendor confidence values onto a Confidence. Numeric
// codes follow the control-plane scanner's scale (4 user-confirmed, 3 high,
// 2 medium, 1 low). Unrecognized input, including "false positive" (0),
// returns nil: the finding is kept without a confidence rating.
func ParseConfidence(v any) *Confidence {
	var c Confidence
	switch val := v.(type) {
	case string:
		s := strings.ToLower(strings.TrimSpace(val))
		switch s {
		case "confirmed", "user confirmed":
			c = ConfidenceConfirmed
		case "high", "certain":
			c = ConfidenceHigh
		case "medium", "firm":
			c = ConfidenceMedium
		case "low", "tentative":
			c = ConfidenceLow
		default:
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil
			}
			return ParseConfidence(int(n))
		}
	case int:
		switch val {
		case 4:
			c = ConfidenceConfirmed
		case 3:
			c = ConfidenceHigh
		case 2:
			c = ConfidenceMedium
		case 1:
			c = ConfidenceLow
		default:
			return nil
		}
	case float64:
		if val != math.Trunc(val) {
			return nil
		}
		return ParseConfidence(int(val))
	default:
		return nil
	}
	return &c
}

var severityBaseScore = map[Severity]float64{
	SeverityCritical: 9.5,
	SeverityHigh:     7.5,
	SeverityMedium:   5.0,
	SeverityLow:      2.5,
	SeverityInfo:     0,
}

// RiskScore derives a 0-10 score from severity weighted by confidence. A
// vendor-supplied CVSS score, when positive, takes precedence.
func RiskScore(sev Severity, conf *Confidence, cvss float64) float64 {
	if cvss > 0 {
		return math.Min(cvss, 10)
	}

	base := severityBaseScore[sev]
	if conf == nil {
		return base
	}
	switch *conf {
	case ConfidenceLow:
		return base * 0.5
	case ConfidenceMedium:
		return base * 0.8
	default:
		return base
	}
}
