package scanning

import (
	"time"

	"github.com/google/uuid"
)

// Metadata is an open key-value bag carrying tool-specific details that have
// no canonical field. Its contents are not part of any contract; upstream
// output schemas change independently of this service.
type Metadata map[string]any

// Finding is the canonical, persisted security issue. Every scanner's output
// is normalized into this shape. Findings are written once and never updated;
// they are deleted together with their scan.
type Finding struct {
	ID          uuid.UUID
	ScanID      string
	Scanner     string
	Name        string
	Description string
	Severity    Severity
	Confidence  *Confidence
	RiskLevel   string
	RiskScore   float64

	// PluginID is the detector identifier: a template id for template
	// scanners or a plugin id for the control-plane scanner.
	PluginID string
	CVEID    string
	CWEIDs   []string

	URL             string
	Method          string
	Parameter       string
	Attack          string
	Evidence        string
	RequestHeaders  string
	RequestBody     string
	ResponseHeaders string

	Metadata  Metadata
	CreatedAt time.Time
}
