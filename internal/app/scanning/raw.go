package scanning

// RawFinding is a finding in a scanner's native shape, as produced by an
// adapter's parser. The set of variants is closed: TemplateMatch,
// CrawledEndpoint and Alert. Raw findings are never persisted.
type RawFinding interface {
	source() string
}

// TemplateMatch is one result line from a template-based vulnerability
// scanner.
type TemplateMatch struct {
	Scanner          string
	TemplateID       string
	TemplatePath     string
	Name             string
	Description      string
	Severity         string
	Tags             []string
	References       []string
	CVEIDs           []string
	CWEIDs           []string
	CVSSScore        float64
	CVSSMetrics      string
	Type             string
	Host             string
	MatchedAt        string
	IP               string
	MatcherName      string
	ExtractedResults []string
	Request          string
	Response         string
	CurlCommand      string
	Timestamp        string
	Extra            map[string]any
}

func (TemplateMatch) source() string { return "template" }

// CrawledEndpoint is one endpoint discovered by a web crawler.
type CrawledEndpoint struct {
	Scanner         string
	URL             string
	Method          string
	Source          string
	Tag             string
	Attribute       string
	Body            string
	StatusCode      int
	ContentType     string
	RequestHeaders  map[string]string
	ResponseHeaders map[string]string
	Technologies    []string
	Timestamp       string
}

func (CrawledEndpoint) source() string { return "crawler" }

// Alert is one structured alert fetched from a control-plane scanner.
type Alert struct {
	Scanner     string
	ID          string
	PluginID    string
	AlertRef    string
	Name        string
	Description string
	Risk        string
	Confidence  string
	CWEID       string
	WASCID      string
	URL         string
	Method      string
	Param       string
	Attack      string
	Evidence    string
	Other       string
	Solution    string
	Reference   string
	InputVector string
	MessageID   string
	SourceID    string
	Tags        map[string]string
}

func (Alert) source() string { return "alert" }
