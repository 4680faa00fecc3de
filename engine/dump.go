package engine

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/sardanioss/cloakengine/protocol"
)

var (
	dumpSeq     atomic.Uint64
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
)

// dumpIgnored reports whether host matches one of the patterns. A leading
// "*." matches the domain and every subdomain.
func dumpIgnored(host string, patterns []string) bool {
	host = strings.ToLower(host)
	return lo.ContainsBy(patterns, func(p string) bool {
		p = strings.ToLower(p)
		if rest, ok := strings.CutPrefix(p, "*."); ok {
			return host == rest || strings.HasSuffix(host, "."+rest)
		}
		return host == p
	})
}

// dumpName builds a unique, filesystem-safe file name for one exchange.
func dumpName(now time.Time, u *url.URL) string {
	path := strings.Trim(unsafeChars.ReplaceAllString(u.Path, "_"), "_")
	if len(path) > 64 {
		path = path[:64]
	}
	name := fmt.Sprintf("%s_%06d_%s", now.UTC().Format("20060102T150405.000"), dumpSeq.Add(1), unsafeChars.ReplaceAllString(u.Hostname(), "_"))
	if path != "" {
		name += "_" + path
	}
	return name + ".txt"
}

// formatExchange renders the request as sent and the response as received.
// resp bodies of redirect hops are not read and appear empty.
func formatExchange(method string, u *url.URL, header []protocol.HeaderField, body []byte, resp *protocol.Response) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s\n", method, u.String())
	for _, f := range header {
		fmt.Fprintf(&b, "%s: %s\n", f.Name, f.Value)
	}
	b.WriteByte('\n')
	b.Write(body)
	if len(body) > 0 {
		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "\n%s %d\n", resp.Protocol, resp.StatusCode)
	names := lo.Keys(resp.Headers)
	sort.Strings(names)
	for _, name := range names {
		for _, v := range resp.Headers[name] {
			fmt.Fprintf(&b, "%s: %s\n", name, v)
		}
	}
	b.WriteByte('\n')
	b.Write(resp.Body)
	return b.Bytes()
}

// dumpExchange writes one exchange to dir. Failures are logged and never
// affect the request.
func dumpExchange(log zerolog.Logger, dir string, ignore []string, method string, u *url.URL, header []protocol.HeaderField, body []byte, resp *protocol.Response) {
	if dir == "" || dumpIgnored(u.Hostname(), ignore) {
		return
	}
	file := filepath.Join(dir, dumpName(time.Now(), u))
	if err := os.WriteFile(file, formatExchange(method, u, header, body, resp), 0o644); err != nil {
		log.Warn().Err(err).Str("file", file).Msg("dumping exchange failed")
		return
	}
	log.Debug().Str("file", file).Msg("exchange dumped")
}
