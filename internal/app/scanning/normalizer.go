package scanning

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/ahrav/websec-armada/internal/domain/scanning"
)

// Normalizer converts raw, tool-specific findings into canonical findings.
type Normalizer struct {
	newID func() uuid.UUID
	now   func() time.Time
}

// NewNormalizer creates a Normalizer that stamps findings with random ids and
// the current time.
func NewNormalizer() *Normalizer {
	return &Normalizer{newID: uuid.New, now: time.Now}
}

// Normalize maps every raw finding into a canonical one owned by scanID and
// drops those outside the request's severity filter.
func (n *Normalizer) Normalize(scanID string, raws []RawFinding, req domain.ScanRequest) []domain.Finding {
	findings := make([]domain.Finding, 0, len(raws))
	now := n.now().UTC()

	for _, raw := range raws {
		var f domain.Finding
		switch r := raw.(type) {
		case TemplateMatch:
			f = n.fromTemplateMatch(r)
		case *TemplateMatch:
			f = n.fromTemplateMatch(*r)
		case CrawledEndpoint:
			f = n.fromCrawledEndpoint(r)
		case *CrawledEndpoint:
			f = n.fromCrawledEndpoint(*r)
		case Alert:
			f = n.fromAlert(r)
		case *Alert:
			f = n.fromAlert(*r)
		default:
			continue
		}

		if !req.AllowsSeverity(f.Severity) {
			continue
		}

		f.ID = n.newID()
		f.ScanID = scanID
		f.CreatedAt = now
		if f.Metadata == nil {
			f.Metadata = domain.Metadata{}
		}
		findings = append(findings, f)
	}

	return findings
}

func (n *Normalizer) fromTemplateMatch(r TemplateMatch) domain.Finding {
	sev := domain.ParseSeverity(r.Severity)
	reqHeaders, reqBody := splitHTTPMessage(r.Request)
	respHeaders, _ := splitHTTPMessage(r.Response)

	name := r.Name
	if name == "" {
		name = r.TemplateID
	}

	url := r.MatchedAt
	if url == "" {
		url = r.Host
	}

	meta := domain.Metadata{
		"type":         r.Type,
		"host":         r.Host,
		"matcher_name": r.MatcherName,
	}
	setIfNotEmpty(meta, "template_path", r.TemplatePath)
	setIfNotEmpty(meta, "ip", r.IP)
	setIfNotEmpty(meta, "cvss_metrics", r.CVSSMetrics)
	setIfNotEmpty(meta, "curl_command", r.CurlCommand)
	setIfNotEmpty(meta, "timestamp", r.Timestamp)
	if len(r.Tags) > 0 {
		meta["tags"] = r.Tags
	}
	if len(r.References) > 0 {
		meta["references"] = r.References
	}
	if len(r.ExtractedResults) > 0 {
		meta["extracted_results"] = r.ExtractedResults
	}
	for k, v := range r.Extra {
		if _, exists := meta[k]; !exists {
			meta[k] = v
		}
	}

	var cve string
	if len(r.CVEIDs) > 0 {
		cve = strings.ToUpper(r.CVEIDs[0])
	}

	return domain.Finding{
		Scanner:         r.Scanner,
		Name:            name,
		Description:     r.Description,
		Severity:        sev,
		RiskLevel:       string(sev),
		RiskScore:       domain.RiskScore(sev, nil, r.CVSSScore),
		PluginID:        r.TemplateID,
		CVEID:           cve,
		CWEIDs:          normalizeCWEs(r.CWEIDs...),
		URL:             url,
		Method:          requestMethod(r.Request),
		Evidence:        strings.Join(r.ExtractedResults, "\n"),
		RequestHeaders:  reqHeaders,
		RequestBody:     reqBody,
		ResponseHeaders: respHeaders,
		Metadata:        meta,
	}
}

func (n *Normalizer) fromCrawledEndpoint(r CrawledEndpoint) domain.Finding {
	meta := domain.Metadata{"status_code": r.StatusCode}
	setIfNotEmpty(meta, "source", r.Source)
	setIfNotEmpty(meta, "tag", r.Tag)
	setIfNotEmpty(meta, "attribute", r.Attribute)
	setIfNotEmpty(meta, "content_type", r.ContentType)
	setIfNotEmpty(meta, "timestamp", r.Timestamp)
	if len(r.Technologies) > 0 {
		meta["technologies"] = r.Technologies
	}

	method := r.Method
	if method == "" {
		method = "GET"
	}

	return domain.Finding{
		Scanner:         r.Scanner,
		Name:            "Discovered endpoint",
		Description:     "Endpoint discovered while crawling the target.",
		Severity:        domain.SeverityInfo,
		RiskLevel:       string(domain.SeverityInfo),
		RiskScore:       0,
		PluginID:        r.Scanner + "-endpoint",
		URL:             r.URL,
		Method:          strings.ToUpper(method),
		RequestHeaders:  formatHeaders(r.RequestHeaders),
		RequestBody:     r.Body,
		ResponseHeaders: formatHeaders(r.ResponseHeaders),
		Metadata:        meta,
	}
}

func (n *Normalizer) fromAlert(r Alert) domain.Finding {
	sev := domain.ParseSeverity(r.Risk)
	conf := domain.ParseConfidence(r.Confidence)

	meta := domain.Metadata{}
	setIfNotEmpty(meta, "alert_id", r.ID)
	setIfNotEmpty(meta, "alert_ref", r.AlertRef)
	setIfNotEmpty(meta, "wasc_id", r.WASCID)
	setIfNotEmpty(meta, "solution", r.Solution)
	setIfNotEmpty(meta, "reference", r.Reference)
	setIfNotEmpty(meta, "other", r.Other)
	setIfNotEmpty(meta, "input_vector", r.InputVector)
	setIfNotEmpty(meta, "message_id", r.MessageID)
	setIfNotEmpty(meta, "source_id", r.SourceID)
	if len(r.Tags) > 0 {
		meta["tags"] = r.Tags
	}

	var cve string
	for tag := range r.Tags {
		if cveIDPattern.MatchString(tag) {
			cve = strings.ToUpper(tag)
			break
		}
	}

	return domain.Finding{
		Scanner:     r.Scanner,
		Name:        r.Name,
		Description: r.Description,
		Severity:    sev,
		Confidence:  conf,
		RiskLevel:   riskLevelLabel(r.Risk, sev),
		RiskScore:   domain.RiskScore(sev, conf, 0),
		PluginID:    r.PluginID,
		CVEID:       cve,
		CWEIDs:      normalizeCWEs(r.CWEID),
		URL:         r.URL,
		Method:      r.Method,
		Parameter:   r.Param,
		Attack:      r.Attack,
		Evidence:    r.Evidence,
		Metadata:    meta,
	}
}

var cveIDPattern = regexp.MustCompile(`(?i)^CVE-\d{4}-\d+$`)

// normalizeCWEs turns "79", "cwe-79" and "CWE-79" into "CWE-79", dropping
// blanks and the "no CWE" sentinels (0, -1). Duplicates are removed.
func normalizeCWEs(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(strings.ToUpper(id))
		id = strings.TrimPrefix(id, "CWE-")
		n, err := strconv.Atoi(id)
		if err != nil || n <= 0 {
			continue
		}
		cwe := "CWE-" + strconv.Itoa(n)
		if _, dup := seen[cwe]; dup {
			continue
		}
		seen[cwe] = struct{}{}
		out = append(out, cwe)
	}
	return out
}

// riskLevelLabel keeps the vendor's label when it is a word and falls back
// to the severity bucket for numeric codes.
func riskLevelLabel(raw string, sev domain.Severity) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return string(sev)
	}
	if _, err := strconv.Atoi(raw); err == nil {
		return string(sev)
	}
	return strings.ToLower(raw)
}

// splitHTTPMessage splits a raw HTTP message into its header block and body.
func splitHTTPMessage(msg string) (headers, body string) {
	if msg == "" {
		return "", ""
	}
	if i := strings.Index(msg, "\r\n\r\n"); i >= 0 {
		return msg[:i], msg[i+4:]
	}
	if i := strings.Index(msg, "\n\n"); i >= 0 {
		return msg[:i], msg[i+2:]
	}
	return msg, ""
}

// requestMethod extracts the method from a raw HTTP request line.
func requestMethod(req string) string {
	line, _, _ := strings.Cut(req, "\n")
	method, _, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok {
		return ""
	}
	return strings.ToUpper(method)
}

func formatHeaders(h map[string]string) string {
	if len(h) == 0 {
		return ""
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(h[k])
	}
	return b.String()
}

func setIfNotEmpty(m domain.Metadata, key, value string) {
	if value != "" {
		m[key] = value
	}
}
