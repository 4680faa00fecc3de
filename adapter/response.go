package adapter

import (
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/sardanioss/cloakengine/protocol"
	"github.com/tidwall/sjson"
)

// Record is a response flattened for the C boundary. Error is empty on
// success; StatusCode is 0 otherwise.
type Record struct {
	StatusCode int
	Body       []byte
	Headers    string
	URL        string
	Error      string
	ErrorKind  string
	Protocol   string
}

// EncodeResponse flattens resp.
func EncodeResponse(resp *protocol.Response) Record {
	if resp.Failed() {
		return Record{
			URL:       resp.FinalURL,
			Headers:   "{}",
			Error:     resp.Err.Error(),
			ErrorKind: resp.Err.Code,
		}
	}
	return Record{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Headers:    EncodeHeaders(resp.Headers),
		URL:        resp.FinalURL,
		Protocol:   resp.Protocol,
	}
}

// sjson path metacharacters that must be escaped in a key.
var pathReplacer = strings.NewReplacer(
	`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`,
	`|`, `\|`, `#`, `\#`, `@`, `\@`, `:`, `\:`,
)

// EncodeHeaders returns h as a JSON object of name to array of values, with
// names in sorted order.
func EncodeHeaders(h map[string][]string) string {
	out := []byte("{}")
	names := lo.Keys(h)
	sort.Strings(names)
	for _, name := range names {
		values := h[name]
		if values == nil {
			values = []string{}
		}
		if next, err := sjson.SetBytes(out, pathReplacer.Replace(name), values); err == nil {
			out = next
		}
	}
	return string(out)
}

// FormatError renders err for the last-error slot.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	e := protocol.Classify(err)
	return e.Code + ": " + e.Error()
}
