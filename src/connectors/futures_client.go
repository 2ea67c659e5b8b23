package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/model"
)

const (
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second
	defaultRequestTimeout  = 10 * time.Second
)

// Venue codes that mean the setting is already in the requested state. The
// dispatcher treats these calls as idempotent.
const (
	codeLeverageNotModified   = 110043
	codeMarginModeNotModified = 110026
)

// apiResponse is the venue's envelope for every REST call.
type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// FuturesClient is the signed REST client for the live USDT-margined
// futures venue. It implements ExchangeClient.
type FuturesClient struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *resty.Client
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}

	if r == nil {
		return false
	}

	code := r.StatusCode()

	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 {
		return true
	}
	if code == 408 {
		return true
	}
	return false
}

func NewFuturesClient(apiKey, apiSecret, baseURL string) *FuturesClient {
	retryCount := defaultRetryAttempts - 1

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultRequestTimeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &FuturesClient{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		http:      httpClient,
	}
}

func signRequest(path, query, body string, expiry int64, secret string) string {
	base := path
	if query != "" {
		base += query
	}
	base += fmt.Sprintf("%d", expiry)
	if body != "" {
		base += body
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *FuturesClient) doRequest(ctx context.Context, method, path, query string, body []byte) (*apiResponse, error) {
	expiry := time.Now().Add(1 * time.Minute).Unix()

	sig := signRequest(path, query, string(body), expiry, c.apiSecret)

	req := c.http.R().
		SetContext(ctx).
		SetHeader("x-access-token", c.apiKey).
		SetHeader("x-request-expiry", fmt.Sprintf("%d", expiry)).
		SetHeader("x-request-signature", sig)

	if query != "" {
		req = req.SetQueryString(query)
	}
	if body != nil {
		req = req.SetBody(body).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, &model.ExchangeTransientError{Op: method + " " + path, Err: err}
	}

	raw := resp.Body()

	if resp.StatusCode() >= 500 || resp.StatusCode() == 429 || resp.StatusCode() == 408 {
		return nil, &model.ExchangeTransientError{
			Op:  method + " " + path,
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode(), string(raw)),
		}
	}

	if resp.StatusCode() != 200 {
		return nil, &model.ExchangeRejected{
			Op:     method + " " + path,
			Code:   resp.StatusCode(),
			Reason: string(raw),
		}
	}

	var api apiResponse
	if err := json.Unmarshal(raw, &api); err != nil {
		return nil, fmt.Errorf("decoding venue response for %s: %w", path, err)
	}

	return &api, nil
}

// SetMarginMode switches the symbol to the requested margin mode. A venue
// "not modified" code is success: the mode is already what we asked for.
func (c *FuturesClient) SetMarginMode(ctx context.Context, symbol string, mode model.MarginMode) error {
	payload, _ := json.Marshal(map[string]string{
		"symbol":     symbol,
		"marginMode": string(mode),
	})

	resp, err := c.doRequest(ctx, "PUT", "/g-positions/margin-mode", "", payload)
	if err != nil {
		return err
	}
	if resp.Code != 0 && resp.Code != codeMarginModeNotModified {
		return &model.ExchangeRejected{Op: "SetMarginMode", Code: resp.Code, Reason: rejectReason(resp.Code, resp.Msg)}
	}
	return nil
}

// SetLeverage sets position leverage for the symbol, idempotently.
func (c *FuturesClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	query := fmt.Sprintf("symbol=%s&leverageRr=%d", symbol, leverage)

	resp, err := c.doRequest(ctx, "PUT", "/g-positions/leverage", query, nil)
	if err != nil {
		return err
	}
	if resp.Code != 0 && resp.Code != codeLeverageNotModified {
		return &model.ExchangeRejected{Op: "SetLeverage", Code: resp.Code, Reason: rejectReason(resp.Code, resp.Msg)}
	}
	return nil
}

type placeOrderPayload struct {
	ClOrdID     string `json:"clOrdID"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	PosSide     string `json:"posSide"`
	OrderQtyRq  string `json:"orderQtyRq"`
	OrdType     string `json:"ordType"`
	PriceRp     string `json:"priceRp,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly"`
	TimeInForce string `json:"timeInForce"`
}

type placeOrderData struct {
	OrderID   string `json:"orderID"`
	OrdStatus string `json:"ordStatus"`
}

func venueSide(side model.Side, reduceOnly bool) string {
	buy := side == model.SideLong
	if reduceOnly {
		buy = !buy
	}
	if buy {
		return "Buy"
	}
	return "Sell"
}

func venuePosSide(side model.Side) string {
	if side == model.SideShort {
		return "Short"
	}
	return "Long"
}

// PlaceOrder submits the order. The caller-generated client order ID makes
// resubmission after an ambiguous failure safe.
func (c *FuturesClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	ordType := "Market"
	if req.OrderType == "limit" {
		ordType = "Limit"
	}

	payload := placeOrderPayload{
		ClOrdID:     req.ClientOrderID,
		Symbol:      req.Symbol,
		Side:        venueSide(req.Side, req.ReduceOnly),
		PosSide:     venuePosSide(req.Side),
		OrderQtyRq:  req.Quantity.String(),
		OrdType:     ordType,
		ReduceOnly:  req.ReduceOnly,
		TimeInForce: "ImmediateOrCancel",
	}
	if ordType == "Limit" {
		payload.PriceRp = req.Price.String()
	}

	body, _ := json.Marshal(payload)

	resp, err := c.doRequest(ctx, "POST", "/g-orders", "", body)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &model.ExchangeRejected{Op: "PlaceOrder", Code: resp.Code, Reason: rejectReason(resp.Code, resp.Msg)}
	}

	var data placeOrderData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding place order response: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"client_order_id": req.ClientOrderID,
		"venue_order_id":  data.OrderID,
		"symbol":          req.Symbol,
	}).Info("order placed on venue")

	return &PlaceOrderResponse{VenueOrderID: data.OrderID, Status: data.OrdStatus}, nil
}

func (c *FuturesClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	query := fmt.Sprintf("symbol=%s&clOrdID=%s", symbol, clientOrderID)

	resp, err := c.doRequest(ctx, "DELETE", "/g-orders/cancel", query, nil)
	if err != nil {
		return err
	}
	if resp.Code != 0 {
		return &model.ExchangeRejected{Op: "CancelOrder", Code: resp.Code, Reason: rejectReason(resp.Code, resp.Msg)}
	}
	return nil
}

type orderStatusData struct {
	OrderID    string `json:"orderID"`
	ClOrdID    string `json:"clOrdID"`
	OrdStatus  string `json:"ordStatus"`
	CumQtyRq   string `json:"cumQtyRq"`
	AvgPriceRp string `json:"avgPriceRp"`
}

func (c *FuturesClient) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderStatus, error) {
	query := fmt.Sprintf("symbol=%s&clOrdID=%s", symbol, clientOrderID)

	resp, err := c.doRequest(ctx, "GET", "/api-data/g-futures/orders/by-order-id", query, nil)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &model.ExchangeRejected{Op: "GetOrderStatus", Code: resp.Code, Reason: rejectReason(resp.Code, resp.Msg)}
	}

	var data orderStatusData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding order status response: %w", err)
	}

	filled, err := decimal.NewFromString(nonEmpty(data.CumQtyRq, "0"))
	if err != nil {
		return nil, fmt.Errorf("parsing cumulative quantity %q: %w", data.CumQtyRq, err)
	}
	avgPrice, err := decimal.NewFromString(nonEmpty(data.AvgPriceRp, "0"))
	if err != nil {
		return nil, fmt.Errorf("parsing average price %q: %w", data.AvgPriceRp, err)
	}

	return &OrderStatus{
		ClientOrderID: data.ClOrdID,
		VenueOrderID:  data.OrderID,
		Status:        data.OrdStatus,
		FilledQty:     filled,
		AvgFillPrice:  avgPrice,
	}, nil
}

type accountData struct {
	Account struct {
		Currency         string `json:"currency"`
		AccountBalanceRv string `json:"accountBalanceRv"`
		TotalUsedRv      string `json:"totalUsedBalanceRv"`
	} `json:"account"`

	Positions []struct {
		Symbol          string `json:"symbol"`
		PosSide         string `json:"posSide"`
		SizeRq          string `json:"sizeRq"`
		AvgEntryPriceRp string `json:"avgEntryPriceRp"`
		MarkPriceRp     string `json:"markPriceRp"`
	} `json:"positions"`
}

func (c *FuturesClient) fetchAccount(ctx context.Context) (*accountData, error) {
	resp, err := c.doRequest(ctx, "GET", "/g-accounts/positions", "currency=USDT", nil)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &model.ExchangeRejected{Op: "GetAccount", Code: resp.Code, Reason: rejectReason(resp.Code, resp.Msg)}
	}

	var data accountData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding account response: %w", err)
	}
	return &data, nil
}

func (c *FuturesClient) GetAccountBalance(ctx context.Context) (*AccountBalance, error) {
	data, err := c.fetchAccount(ctx)
	if err != nil {
		return nil, err
	}

	balance, err := decimal.NewFromString(nonEmpty(data.Account.AccountBalanceRv, "0"))
	if err != nil {
		return nil, fmt.Errorf("parsing account balance %q: %w", data.Account.AccountBalanceRv, err)
	}
	locked, err := decimal.NewFromString(nonEmpty(data.Account.TotalUsedRv, "0"))
	if err != nil {
		return nil, fmt.Errorf("parsing used balance %q: %w", data.Account.TotalUsedRv, err)
	}

	return &AccountBalance{
		Currency:        data.Account.Currency,
		Balance:         balance,
		AvailableMargin: balance.Sub(locked),
		LockedMargin:    locked,
	}, nil
}

func (c *FuturesClient) GetPositions(ctx context.Context) ([]VenuePosition, error) {
	data, err := c.fetchAccount(ctx)
	if err != nil {
		return nil, err
	}

	positions := make([]VenuePosition, 0, len(data.Positions))
	for _, p := range data.Positions {
		if p.SizeRq == "" || p.SizeRq == "0" {
			continue
		}

		qty, err := decimal.NewFromString(p.SizeRq)
		if err != nil {
			logger.WithError(err).WithField("symbol", p.Symbol).Warn("skipping venue position with bad size")
			continue
		}
		entry, err := decimal.NewFromString(nonEmpty(p.AvgEntryPriceRp, "0"))
		if err != nil {
			logger.WithError(err).WithField("symbol", p.Symbol).Warn("skipping venue position with bad entry price")
			continue
		}
		mark, _ := decimal.NewFromString(nonEmpty(p.MarkPriceRp, "0"))

		side := model.SideLong
		if p.PosSide == "Short" {
			side = model.SideShort
		}

		positions = append(positions, VenuePosition{
			Symbol:     p.Symbol,
			Side:       side,
			Quantity:   qty,
			EntryPrice: entry,
			MarkPrice:  mark,
		})
	}

	return positions, nil
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
