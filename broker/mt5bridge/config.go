package mt5bridge

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:8787"

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	// RatePerSecond caps outgoing requests; zero disables pacing.
	RatePerSecond float64
	Burst         int
}

// BaseURL normalizes the sidecar address, cutting trailing comments and
// slashes. An empty value selects the local default.
func BaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexAny(raw, " \t#"); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	if raw == "" {
		return DefaultBaseURL, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid bridge url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid bridge url %q (want http or https)", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}
