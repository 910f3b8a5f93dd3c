package scanning

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ScanRequest carries the caller's scan parameters. Field names follow the
// queue wire format.
type ScanRequest struct {
	TargetURLs     []string   `json:"targetUrls" validate:"required,min=1,dive,required"`
	SeverityLevels []Severity `json:"severityLevels,omitempty" validate:"omitempty,dive,oneof=critical high medium low info"`
	RateLimit      int        `json:"rateLimit,omitempty" validate:"gte=0"`
	Timeout        int        `json:"timeout,omitempty" validate:"gte=0"` // minutes
}

// ScanJob is a unit of work delivered by the job queue. It is consumed exactly
// once per delivery and never modified.
type ScanJob struct {
	ScanID    string      `json:"scanId" validate:"required"`
	ProjectID string      `json:"projectId,omitempty"`
	Request   ScanRequest `json:"request"`
}

// Validate rejects jobs with no scan id, no targets, or an unknown severity
// level. Severity names are matched case-insensitively. The returned error
// wraps ErrInvalidInput.
func (j ScanJob) Validate() error {
	if len(j.Request.SeverityLevels) > 0 {
		levels := make([]Severity, len(j.Request.SeverityLevels))
		for i, s := range j.Request.SeverityLevels {
			levels[i] = s.normalize()
		}
		j.Request.SeverityLevels = levels
	}
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// TimeoutDuration returns the per-target execution budget, or zero when the
// request leaves it to the tools' defaults.
func (r ScanRequest) TimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Minute
}

// AllowsSeverity reports whether findings at sev pass the request's filter.
// An empty filter allows everything.
func (r ScanRequest) AllowsSeverity(sev Severity) bool {
	if len(r.SeverityLevels) == 0 {
		return true
	}
	sev = sev.normalize()
	for _, s := range r.SeverityLevels {
		if s.normalize() == sev {
			return true
		}
	}
	return false
}
