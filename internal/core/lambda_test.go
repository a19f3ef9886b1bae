package core

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
)

func TestLambdaHandler_PassesRawBodyAndHeaders(t *testing.T) {
	var gotBody, gotSig, gotQuery, gotRequestID string
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Post("/webhooks/razorpay", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotSig = r.Header.Get("X-Razorpay-Signature")
		gotQuery = r.URL.Query().Get("src")
		gotRequestID = w.Header().Get("X-Request-Id")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	payload := `{"event":"payment.captured","payload":{}}`
	ev := events.APIGatewayV2HTTPRequest{
		RawPath:         "/webhooks/razorpay",
		RawQueryString:  "src=gw",
		Headers:         map[string]string{"x-razorpay-signature": "abc123"},
		Body:            base64.StdEncoding.EncodeToString([]byte(payload)),
		IsBase64Encoded: true,
	}
	ev.RequestContext.HTTP.Method = http.MethodPost
	ev.RequestContext.RequestID = "apigw-req-1"

	resp, err := LambdaHandler(r)(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}
	if gotBody != payload {
		t.Errorf("body not passed through: %q", gotBody)
	}
	if gotSig != "abc123" {
		t.Errorf("expected canonicalised signature header, got %q", gotSig)
	}
	if gotQuery != "gw" {
		t.Errorf("expected query param, got %q", gotQuery)
	}
	if gotRequestID != "apigw-req-1" {
		t.Errorf("expected API Gateway request id to be reused, got %q", gotRequestID)
	}
	if resp.IsBase64Encoded || resp.Body != `{"success":true}` {
		t.Errorf("unexpected response body %q (base64=%v)", resp.Body, resp.IsBase64Encoded)
	}
}

func TestLambdaHandler_EncodesCompressedBodies(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte{0x1f, 0x8b, 0x00})
	})
	ev := events.APIGatewayV2HTTPRequest{RawPath: "/v1/plans"}

	resp, err := LambdaHandler(h)(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected implicit 200, got %d", resp.StatusCode)
	}
	if !resp.IsBase64Encoded {
		t.Fatal("expected base64 body for gzip response")
	}
	raw, _ := base64.StdEncoding.DecodeString(resp.Body)
	if len(raw) != 3 || raw[0] != 0x1f {
		t.Errorf("unexpected decoded body %v", raw)
	}
}

func TestLambdaHandler_BadBase64(t *testing.T) {
	ev := events.APIGatewayV2HTTPRequest{RawPath: "/x", Body: "!!!", IsBase64Encoded: true}
	resp, err := LambdaHandler(http.NotFoundHandler())(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}
