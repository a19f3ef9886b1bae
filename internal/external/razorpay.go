package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"assistantconsole/internal/types"
)

// DefaultGatewayBaseURL is the public gateway API root.
const DefaultGatewayBaseURL = "https://api.razorpay.com"

// GatewayClient talks to the payment gateway's REST API.
type GatewayClient struct {
	base      *BaseClient
	baseURL   string
	keyID     string
	keySecret types.SecretString
	logger    *slog.Logger
}

// NewGatewayClient creates a GatewayClient authenticating with basic auth.
func NewGatewayClient(base *BaseClient, baseURL, keyID string, keySecret types.SecretString, logger *slog.Logger) *GatewayClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = DefaultGatewayBaseURL
	}
	return &GatewayClient{
		base:      base,
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyID:     keyID,
		keySecret: keySecret,
		logger:    logger,
	}
}

// KeyID is the public key id the checkout widget is opened with.
func (g *GatewayClient) KeyID() string { return g.keyID }

type orderBody struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type gatewayErrorBody struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
		Field       string `json:"field"`
	} `json:"error"`
}

// CreateOrder creates an order the checkout widget will collect against.
func (g *GatewayClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.AmountMinor <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAmount, "order amount must be positive", nil)
	}

	payload, err := json.Marshal(orderBody{
		Amount:   req.AmountMinor,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode order", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/orders", bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build order request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	order, err := g.do(ctx, httpReq, "create")
	if err != nil {
		return nil, err
	}
	g.logger.InfoContext(ctx, "gateway order created",
		"order_id", order.ID,
		"amount", order.AmountMinor,
		"receipt", order.Receipt,
	)
	return order, nil
}

// FetchOrder loads an order by id. Unknown ids map to not_found_order.
func (g *GatewayClient) FetchOrder(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "order id is required", nil)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build order request", err)
	}
	return g.do(ctx, httpReq, "fetch")
}

func (g *GatewayClient) do(ctx context.Context, httpReq *http.Request, op string) (*Order, error) {
	httpReq.SetBasicAuth(g.keyID, g.keySecret.Unmask())

	resp, err := g.base.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamGateway, "failed to read order response", err)
	}

	if resp.StatusCode >= 300 {
		var ge gatewayErrorBody
		_ = json.Unmarshal(body, &ge)
		g.logger.WarnContext(ctx, "gateway rejected order request",
			"op", op,
			"status", resp.StatusCode,
			"gateway_code", ge.Error.Code,
			"description", ge.Error.Description,
		)
		code := types.ErrCodeUpstreamGateway
		if op == "fetch" && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest) {
			code = types.ErrCodeNotFoundOrder
		}
		return nil, types.NewAppErrorWithDetails(code,
			fmt.Sprintf("gateway rejected order %s: %s", op, firstNonEmpty(ge.Error.Description, http.StatusText(resp.StatusCode))),
			nil,
			map[string]any{"gateway_status": resp.StatusCode, "gateway_code": ge.Error.Code},
		)
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamGateway, "failed to decode order response", err)
	}
	if order.ID == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamGateway, "gateway returned an order without id", nil)
	}
	return &order, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var (
	_ OrderCreator = (*GatewayClient)(nil)
	_ OrderFetcher = (*GatewayClient)(nil)
)
