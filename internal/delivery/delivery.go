// Package delivery holds the HTTP plumbing and failure classification shared
// by the notification and integration dispatchers.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "ComplianceGuardian/1.0"
	maxExcerpt      = 512
)

// Doer is the subset of *http.Client used for outbound calls.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TransientError is a failure worth retrying: network errors, timeouts,
// throttling and server errors.
type TransientError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient failure (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError will not succeed on retry and goes straight to a dead letter.
type PermanentError struct {
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent failure (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError with no status code.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is a PermanentError.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// RetryAfter returns the delay a transient failure asked for, if any.
func RetryAfter(err error) time.Duration {
	var tr *TransientError
	if errors.As(err, &tr) {
		return tr.RetryAfter
	}
	return 0
}

// StatusCode extracts the HTTP status carried by a classified error.
func StatusCode(err error) int {
	var tr *TransientError
	if errors.As(err, &tr) {
		return tr.StatusCode
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return perm.StatusCode
	}
	return 0
}

// Classify turns a non-2xx status into a typed error. 2xx returns nil.
func Classify(status int, body []byte, header http.Header) error {
	if status >= 200 && status < 300 {
		return nil
	}
	cause := fmt.Errorf("remote returned HTTP %d: %s", status, Excerpt(body))
	if status == http.StatusTooManyRequests || status >= 500 {
		return &TransientError{StatusCode: status, RetryAfter: parseRetryAfter(header), Err: cause}
	}
	if status >= 400 {
		return &PermanentError{StatusCode: status, Err: cause}
	}
	// 1xx and 3xx that survived the client are unexpected but not fatal.
	return &TransientError{StatusCode: status, Err: cause}
}

// Response is what Post observed from a successful round trip.
type Response struct {
	StatusCode int
	Duration   time.Duration
}

// Post sends body as JSON and classifies the outcome. Transport failures are
// transient. The returned Response is populated whenever a response arrived.
func Post(ctx context.Context, client Doer, url string, body []byte, headers map[string]string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return Response{Duration: elapsed}, &TransientError{Err: describeTransport(err)}
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxExcerpt))
	out := Response{StatusCode: resp.StatusCode, Duration: elapsed}
	return out, Classify(resp.StatusCode, excerpt, resp.Header)
}

// NewHTTPClient returns the client used for all outbound deliveries.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
}

// Excerpt trims a remote body to something safe to persist as last_error.
// The result is valid UTF-8 and at most maxExcerpt bytes.
func Excerpt(body []byte) string {
	s := strings.ToValidUTF8(strings.TrimSpace(string(body)), "\uFFFD")
	if len(s) > maxExcerpt {
		cut := maxExcerpt
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

// Summary is the tally returned by every batch processor.
type Summary struct {
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Dead      int `json:"dead"`
}

func describeTransport(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("timeout: %w", err)
	}
	return err
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
