package engine

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/sardanioss/cloakengine/protocol"
	"github.com/sardanioss/cloakengine/session"
)

// GetIP returns the public address sess is seen from, using the session
// IP lookup URL and proxy.
func (e *Engine) GetIP(ctx context.Context, sess *session.Session) (string, error) {
	lookup := sess.Config().IPLookupURL
	if lookup == "" {
		lookup = session.DefaultIPLookupURL
	}
	resp := e.Execute(ctx, sess, &protocol.Request{
		Method:  "GET",
		URL:     lookup,
		Ordered: []protocol.HeaderField{{Name: "Accept", Value: "text/plain"}},
	})
	if resp.Failed() {
		return "", resp.Err
	}
	if resp.StatusCode != 200 {
		return "", protocol.ProtocolError(fmt.Sprintf("ip lookup returned status %d", resp.StatusCode), nil)
	}
	ip := strings.TrimSpace(string(resp.Body))
	if net.ParseIP(ip) == nil {
		return "", protocol.ProtocolError(fmt.Sprintf("ip lookup returned %q", ip), nil)
	}
	return ip, nil
}

// GetIP runs GetIP with a default Engine.
func GetIP(ctx context.Context, sess *session.Session) (string, error) {
	return defaultEngine.GetIP(ctx, sess)
}
