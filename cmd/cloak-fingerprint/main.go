// Command cloak-fingerprint fetches a fingerprint echo service with a
// configured session and prints what the server observed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	cloakengine "github.com/sardanioss/cloakengine"
	"github.com/sardanioss/cloakengine/logging"
	"github.com/sardanioss/cloakengine/protocol"
	"github.com/tidwall/gjson"
)

func main() {
	var (
		browser   = flag.String("browser", "chrome", "browser preset ("+strings.Join(cloakengine.Presets(), ", ")+")")
		ja3       = flag.String("ja3", "", "JA3 string replacing the preset ClientHello")
		navigator = flag.String("navigator", "", "extension payload rules for -ja3 (chrome, firefox)")
		h2        = flag.String("http2", "", "HTTP/2 fingerprint")
		target    = flag.String("url", "https://tls.peet.ws/api/all", "echo endpoint")
		proxyURL  = flag.String("proxy", "", "proxy URL")
		http1     = flag.Bool("http1", false, "force HTTP/1.1")
		timeout   = flag.Duration("timeout", 30*time.Second, "request timeout")
		level     = flag.String("log", "", "log level")
	)
	flag.Parse()

	log, closer, err := logging.New(logging.Options{Level: *level, Console: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer closer.Close()

	opts := []cloakengine.SessionOption{cloakengine.WithTimeout(*timeout)}
	if *ja3 != "" {
		opts = append(opts, cloakengine.WithJA3(*ja3, *navigator))
	}
	if *proxyURL != "" {
		opts = append(opts, cloakengine.WithProxy(*proxyURL))
	}
	s, err := cloakengine.NewSession(*browser, opts...)
	if err != nil {
		log.Error().Err(err).Msg("creating session")
		os.Exit(1)
	}
	defer s.Close()

	if *h2 != "" {
		if err := s.Internal().ApplyHTTP2(*h2); err != nil {
			log.Error().Err(err).Msg("applying http2 fingerprint")
			os.Exit(1)
		}
	}

	resp, err := s.Do(context.Background(), &protocol.Request{Method: "GET", URL: *target, ForceHTTP1: *http1})
	if err != nil {
		log.Error().Err(err).Str("url", *target).Msg("request failed")
		os.Exit(1)
	}

	fmt.Printf("Status: %d\n", resp.StatusCode)
	fmt.Printf("Protocol: %s\n", resp.Protocol)
	if doc := gjson.ParseBytes(resp.Body); doc.IsObject() {
		for _, path := range []string{"tls.ja3", "tls.ja3_hash", "tls.ja4", "http2.akamai_fingerprint", "user_agent"} {
			if v := doc.Get(path); v.Exists() {
				fmt.Printf("%s: %s\n", path, v.String())
			}
		}
		return
	}
	fmt.Println("---RAW RESPONSE---")
	fmt.Println(string(resp.Body))
}
