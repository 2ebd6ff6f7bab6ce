package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	HeaderSignature        = "X-Signature"
	HeaderSignatureVersion = "X-Signature-Version"
	HeaderEventType        = "X-Event-Type"
	SignatureVersion       = "v1"
)

// Envelope is the body of every webhook delivery. Field order is part of the
// wire format.
type Envelope struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

func NewEnvelope(eventType string, data interface{}, at time.Time) Envelope {
	return Envelope{
		Event:     eventType,
		Data:      data,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received X-Signature value against body in
// constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignedHeaders builds the delivery headers for body. The signature is
// omitted when no secret is configured.
func SignedHeaders(secret, eventType string, body []byte) map[string]string {
	headers := map[string]string{
		HeaderEventType:        eventType,
		HeaderSignatureVersion: SignatureVersion,
	}
	if secret != "" {
		headers[HeaderSignature] = Sign(secret, body)
	}
	return headers
}
