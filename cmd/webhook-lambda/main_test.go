package main

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"assistantconsole/internal/billing"
	"assistantconsole/internal/core"
	"assistantconsole/internal/external"
	"assistantconsole/internal/telemetry"
	"assistantconsole/internal/types"
)

const secret = "whsec_lambda"

type captureMutator struct {
	mu        sync.Mutex
	activated []string
	failed    []string
}

func (m *captureMutator) Activate(_ context.Context, session *types.Session, plan types.PlanID, pc types.PaymentContext) (*billing.ActivationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activated = append(m.activated, session.UserID+"/"+string(plan)+"/"+pc.GatewayPaymentID)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &billing.ActivationResult{Plan: plan, PlanStart: now, PlanEnd: now.AddDate(0, 1, 0)}, nil
}

func (m *captureMutator) RecordFailure(_ context.Context, session *types.Session, _ types.PlanID, pc types.PaymentContext, code, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, pc.GatewayPaymentID+"/"+code)
	return nil
}

func invoke(t *testing.T, mut *captureMutator, body, signature string) events.APIGatewayV2HTTPResponse {
	t.Helper()
	router := newRouter(mut, types.SecretString(secret), telemetry.Nop{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ev := events.APIGatewayV2HTTPRequest{
		RawPath:         "/webhooks/razorpay",
		Headers:         map[string]string{"content-type": "application/json"},
		Body:            base64.StdEncoding.EncodeToString([]byte(body)),
		IsBase64Encoded: true,
	}
	if signature != "" {
		ev.Headers["x-razorpay-signature"] = signature
	}
	ev.RequestContext.HTTP.Method = http.MethodPost
	ev.RequestContext.RequestID = "req-lambda-1"

	resp, err := core.LambdaHandler(router)(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return resp
}

const capturedBody = `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_L1","amount":49900,"currency":"INR","status":"captured","order_id":"order_L1","method":"upi","notes":{"user_id":"user-9","plan":"pro"}}}}}`

func TestWebhookLambda_Captured(t *testing.T) {
	mut := &captureMutator{}
	resp := invoke(t, mut, capturedBody, external.Sign([]byte(capturedBody), secret))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, resp.Body)
	}
	if len(mut.activated) != 1 || mut.activated[0] != "user-9/pro/pay_L1" {
		t.Errorf("unexpected activations: %v", mut.activated)
	}
	if resp.Headers["X-Request-Id"] != "req-lambda-1" {
		t.Errorf("expected request id header, got %q", resp.Headers["X-Request-Id"])
	}
}

func TestWebhookLambda_Failed(t *testing.T) {
	body := `{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_L2","status":"failed","error_code":"BAD_REQUEST_ERROR","notes":{"user_id":"user-9","plan":"weekly"}}}}}`
	mut := &captureMutator{}
	resp := invoke(t, mut, body, external.Sign([]byte(body), secret))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, resp.Body)
	}
	if len(mut.failed) != 1 || mut.failed[0] != "pay_L2/BAD_REQUEST_ERROR" {
		t.Errorf("unexpected failures: %v", mut.failed)
	}
}

func TestWebhookLambda_RejectsBadSignature(t *testing.T) {
	mut := &captureMutator{}
	resp := invoke(t, mut, capturedBody, external.Sign([]byte(capturedBody), "other-secret"))

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
	if len(mut.activated) != 0 {
		t.Errorf("expected no writes, got %v", mut.activated)
	}
}

func TestWebhookLambda_OnlyWebhookRouteMounted(t *testing.T) {
	router := newRouter(&captureMutator{}, types.SecretString(secret), telemetry.Nop{}, nil)

	ev := events.APIGatewayV2HTTPRequest{RawPath: "/v1/plans"}
	ev.RequestContext.HTTP.Method = http.MethodGet
	resp, err := core.LambdaHandler(router)(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
