package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradeengine/src/model"
)

func newTestClient(handler http.Handler) (*FuturesClient, func()) {
	server := httptest.NewServer(handler)
	client := NewFuturesClient("key", "secret", server.URL)
	return client, server.Close
}

func envelope(code int, msg string, data interface{}) []byte {
	payload, _ := json.Marshal(data)
	out, _ := json.Marshal(map[string]interface{}{
		"code": code,
		"msg":  msg,
		"data": json.RawMessage(payload),
	})
	return out
}

func TestFuturesClientSignsRequests(t *testing.T) {
	var gotToken, gotSig string

	client, closeFn := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("x-access-token")
		gotSig = r.Header.Get("x-request-signature")
		w.Write(envelope(0, "", map[string]string{}))
	}))
	defer closeFn()

	if err := client.SetLeverage(context.Background(), "BTCUSDT", 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotToken != "key" {
		t.Fatalf("expected api key header, got %q", gotToken)
	}
	if gotSig == "" {
		t.Fatalf("expected a request signature header")
	}
}

func TestFuturesClientSetLeverageAlreadySet(t *testing.T) {
	client, closeFn := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope(codeLeverageNotModified, "leverage not modified", nil))
	}))
	defer closeFn()

	// "already set" is success: the call is idempotent
	if err := client.SetLeverage(context.Background(), "BTCUSDT", 10); err != nil {
		t.Fatalf("expected not-modified to be tolerated, got %v", err)
	}
}

func TestFuturesClientSetMarginModeAlreadySet(t *testing.T) {
	client, closeFn := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope(codeMarginModeNotModified, "margin mode not modified", nil))
	}))
	defer closeFn()

	if err := client.SetMarginMode(context.Background(), "BTCUSDT", model.MarginModeIsolated); err != nil {
		t.Fatalf("expected not-modified to be tolerated, got %v", err)
	}
}

func TestFuturesClientPlaceOrderRejected(t *testing.T) {
	client, closeFn := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope(11001, "insufficient available balance", nil))
	}))
	defer closeFn()

	_, err := client.PlaceOrder(context.Background(), PlaceOrderRequest{
		ClientOrderID: "c1",
		Symbol:        "BTCUSDT",
		Side:          model.SideLong,
	})

	var rejected *model.ExchangeRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected ExchangeRejected, got %v", err)
	}
	if rejected.Code != 11001 {
		t.Fatalf("expected venue code 11001, got %d", rejected.Code)
	}
}

func TestFuturesClientPlaceOrderSuccess(t *testing.T) {
	client, closeFn := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload placeOrderPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode order payload: %v", err)
		}
		if payload.Side != "Sell" || payload.PosSide != "Short" {
			t.Errorf("expected short open to map to Sell/Short, got %s/%s", payload.Side, payload.PosSide)
		}
		w.Write(envelope(0, "", placeOrderData{OrderID: "v-123", OrdStatus: "New"}))
	}))
	defer closeFn()

	resp, err := client.PlaceOrder(context.Background(), PlaceOrderRequest{
		ClientOrderID: "c2",
		Symbol:        "BTCUSDT",
		Side:          model.SideShort,
		OrderType:     "market",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.VenueOrderID != "v-123" {
		t.Fatalf("expected venue order id v-123, got %q", resp.VenueOrderID)
	}
}

func TestFuturesClientGetPositionsSkipsEmpty(t *testing.T) {
	client, closeFn := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope(0, "", map[string]interface{}{
			"account": map[string]string{
				"currency":           "USDT",
				"accountBalanceRv":   "10000",
				"totalUsedBalanceRv": "1200",
			},
			"positions": []map[string]string{
				{"symbol": "BTCUSDT", "posSide": "Long", "sizeRq": "0.5", "avgEntryPriceRp": "48000", "markPriceRp": "49000"},
				{"symbol": "ETHUSDT", "posSide": "Short", "sizeRq": "0"},
			},
		}))
	}))
	defer closeFn()

	positions, err := client.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected the zero-size position to be skipped, got %d positions", len(positions))
	}
	if positions[0].Symbol != "BTCUSDT" || positions[0].Side != model.SideLong {
		t.Fatalf("unexpected position %+v", positions[0])
	}
}

func TestFuturesClientBalanceMath(t *testing.T) {
	client, closeFn := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope(0, "", map[string]interface{}{
			"account": map[string]string{
				"currency":           "USDT",
				"accountBalanceRv":   "10000",
				"totalUsedBalanceRv": "1200",
			},
		}))
	}))
	defer closeFn()

	balance, err := client.GetAccountBalance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance.AvailableMargin.String() != "8800" {
		t.Fatalf("expected available margin 8800, got %s", balance.AvailableMargin)
	}
}

func TestIsRetryableResp(t *testing.T) {
	if !isRetryableResp(nil, errors.New("dial tcp: connection refused")) {
		t.Fatalf("network errors must be retryable")
	}
	if isRetryableResp(nil, nil) {
		t.Fatalf("nil response without error must not be retryable")
	}
}

func TestRejectReasonFallsBackToCodeTable(t *testing.T) {
	if got := rejectReason(110007, "balance too low"); got != "balance too low" {
		t.Fatalf("expected venue message preferred, got %q", got)
	}
	if got := rejectReason(110007, ""); got != "AVAILABLE_BALANCE_INSUFFICIENT" {
		t.Fatalf("expected code table fallback, got %q", got)
	}
	if got := rejectReason(999999, ""); got != "UNKNOWN_VENUE_ERROR_999999" {
		t.Fatalf("expected unknown code message, got %q", got)
	}
}
