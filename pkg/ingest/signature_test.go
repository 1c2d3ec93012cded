package ingest

import "testing"

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"type":"log_line","data":{"line":"hello"}}`)
	secret := "s3cret"

	if !VerifySignature(body, Sign(body, secret), secret) {
		t.Error("valid signature should verify")
	}
	if VerifySignature(body, Sign(body, "other"), secret) {
		t.Error("signature from wrong secret should fail")
	}
	if VerifySignature([]byte("tampered"), Sign(body, secret), secret) {
		t.Error("signature over different body should fail")
	}
	if VerifySignature(body, "", secret) {
		t.Error("missing signature should fail")
	}
	if VerifySignature(body, "deadbeef", secret) {
		t.Error("signature without sha256= prefix should fail")
	}
	if VerifySignature(body, Sign(body, ""), "") {
		t.Error("empty secret should reject everything")
	}
}
