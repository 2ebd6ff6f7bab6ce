package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"
)

func TestSignMatchesIndependentHMAC(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"event":"run.failed","data":{"run_id":"r1"},"timestamp":"2024-05-15T12:00:00Z"}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	got := Sign(secret, body)
	if got != want {
		t.Fatalf("Sign() = %s, want %s", got, want)
	}
	if Sign(secret, body) != got {
		t.Error("Sign() is not deterministic")
	}
	if !VerifySignature(secret, body, got) {
		t.Error("VerifySignature rejected a valid signature")
	}
}

func TestSignDetectsByteFlip(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"event":"run.failed"}`)
	sig := Sign(secret, body)

	flipped := append([]byte{}, body...)
	flipped[3] ^= 0x01
	if Sign(secret, flipped) == sig {
		t.Fatal("signature unchanged after a byte flip")
	}
	if VerifySignature(secret, flipped, sig) {
		t.Error("VerifySignature accepted a tampered body")
	}
	if VerifySignature("other", body, sig) {
		t.Error("VerifySignature accepted the wrong secret")
	}
	if VerifySignature(secret, body, "not-hex") {
		t.Error("VerifySignature accepted a malformed signature")
	}
}

func TestEnvelopeFieldOrder(t *testing.T) {
	at := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)
	body, err := json.Marshal(NewEnvelope("run.failed", map[string]string{"run_id": "r1"}, at))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"event":"run.failed","data":{"run_id":"r1"},"timestamp":"2024-05-15T12:00:00Z"}`
	if string(body) != want {
		t.Fatalf("envelope = %s, want %s", body, want)
	}
}

func TestSignedHeaders(t *testing.T) {
	body := []byte(`{}`)
	h := SignedHeaders("s", "run.partial", body)
	if h[HeaderEventType] != "run.partial" || h[HeaderSignatureVersion] != "v1" || h[HeaderSignature] != Sign("s", body) {
		t.Errorf("headers = %v", h)
	}

	unsigned := SignedHeaders("", "run.partial", body)
	if _, ok := unsigned[HeaderSignature]; ok {
		t.Error("signature set without a secret")
	}
	if unsigned[HeaderSignatureVersion] != SignatureVersion || unsigned[HeaderEventType] != "run.partial" {
		t.Errorf("unsigned headers = %v", unsigned)
	}
}
