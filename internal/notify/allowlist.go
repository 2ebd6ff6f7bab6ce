package notify

import (
	"fmt"
	"net/url"
	"strings"
)

// HostAllowed reports whether rawURL's host is covered by allowed. An empty
// list allows every host; otherwise the host must equal an entry or be a
// subdomain of one.
func HostAllowed(rawURL string, allowed []string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse webhook url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return false, fmt.Errorf("unsupported webhook scheme %q", u.Scheme)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return false, fmt.Errorf("webhook url has no host")
	}

	if len(allowed) == 0 {
		return true, nil
	}
	for _, entry := range allowed {
		domain := normalizeDomain(entry)
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true, nil
		}
	}
	return false, nil
}

func normalizeDomain(entry string) string {
	d := strings.ToLower(strings.TrimSpace(entry))
	d = strings.TrimPrefix(d, "*.")
	d = strings.TrimPrefix(d, ".")
	return strings.TrimSuffix(d, ".")
}
