package protocol

// Protocol names.
const (
	ProtoHTTP    = "http"
	ProtoUnknown = "unknown"
)

// SpanAttributes holds parsed attributes for span generation.
type SpanAttributes struct {
	Protocol string
	Name     string // span name (e.g., "GET /api/users")

	HTTPMethod     string
	HTTPPath       string
	HTTPQuery      string
	HTTPStatusCode int
	HTTPHost       string
	HTTPUserAgent  string
	ContentLength  int64

	Error    bool
	ErrorMsg string
}
