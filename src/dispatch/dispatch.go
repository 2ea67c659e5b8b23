package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/connectors"
	"tradeengine/src/ledger"
	"tradeengine/src/model"
)

type Config struct {
	MaxRetries       int           `envconfig:"DISPATCH_MAX_RETRIES"`
	RetryBaseDelay   time.Duration `envconfig:"DISPATCH_RETRY_BASE_DELAY"`
	RequestTimeout   time.Duration `envconfig:"DISPATCH_REQUEST_TIMEOUT"`
	MinOrderInterval time.Duration `envconfig:"DISPATCH_MIN_ORDER_INTERVAL"`
	OrderType        string        `envconfig:"DISPATCH_ORDER_TYPE"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		RetryBaseDelay:   500 * time.Millisecond,
		RequestTimeout:   10 * time.Second,
		MinOrderInterval: 100 * time.Millisecond,
		OrderType:        "market",
	}
}

type orderBook interface {
	ApplyReject(ctx context.Context, positionID, reason string) error
	ApplyCancel(ctx context.Context, positionID, reason string) error
	MarkOrderTerminal(ctx context.Context, clientOrderID, status, reason string)
}

var _ orderBook = (*ledger.PositionLedger)(nil)

// Dispatcher routes orders to the venue. It owns the retry policy for
// transient failures, a local submission throttle, and the one-time
// margin-mode and leverage setup per symbol.
type Dispatcher struct {
	cfg    Config
	client connectors.ExchangeClient
	book   orderBook
	sleep  func(time.Duration)

	mu       sync.Mutex
	prepared map[string]symbolSetup
	lastSent time.Time
}

type symbolSetup struct {
	marginMode model.MarginMode
	leverage   int
}

func NewDispatcher(cfg Config, client connectors.ExchangeClient, book orderBook) *Dispatcher {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Dispatcher{
		cfg:      cfg,
		client:   client,
		book:     book,
		sleep:    time.Sleep,
		prepared: make(map[string]symbolSetup),
	}
}

// NewClientOrderID returns a fresh identifier for a venue order. IDs are
// never reused, so redelivered fills can be matched safely.
func NewClientOrderID() string {
	return uuid.NewString()
}

// Open submits the opening order for a proposed position. Margin mode and
// leverage are configured on the venue first; both calls tolerate the
// already-set response. A permanent rejection terminates the position, and so
// does exhausting the transient retry budget: nothing retries a PendingOpen
// entry later, so leaving it pending would strand it forever.
func (d *Dispatcher) Open(ctx context.Context, position *model.Position, order *model.Order) error {
	log := logger.WithFields(map[string]interface{}{
		"position_id":     position.ID,
		"client_order_id": order.ClientOrderID,
		"symbol":          position.Symbol,
	})

	if err := d.prepareSymbol(ctx, position.Symbol, position.MarginMode, position.Leverage); err != nil {
		if model.IsRejected(err) {
			d.rejectEntry(ctx, position, order, err.Error(), log)
		}
		return err
	}

	req := connectors.PlaceOrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      order.RequestedQty,
		OrderType:     d.cfg.OrderType,
	}

	resp, err := d.placeWithRetry(ctx, req, log)
	if err != nil {
		switch {
		case model.IsRejected(err):
			d.rejectEntry(ctx, position, order, err.Error(), log)
		case model.IsTransient(err):
			d.rejectEntry(ctx, position, order, fmt.Sprintf("venue unreachable: %s", err), log)
		}
		// context cancellation falls through: the entry is recovered from
		// storage on the next start
		return err
	}

	log.WithField("venue_order_id", resp.VenueOrderID).Info("open order accepted")
	return nil
}

func (d *Dispatcher) rejectEntry(ctx context.Context, position *model.Position, order *model.Order, reason string, log *logger.Entry) {
	d.book.MarkOrderTerminal(ctx, order.ClientOrderID, model.OrderStatusRejected, reason)
	if err := d.book.ApplyReject(ctx, position.ID, reason); err != nil {
		log.WithError(err).Error("failed to reject position after placement failure")
	}
}

// Close submits a reduce-only order against an existing position. The
// position stays PendingClose until fills confirm; a permanent rejection is
// surfaced to the caller, not terminated, since exposure still exists.
func (d *Dispatcher) Close(ctx context.Context, position *model.Position, order *model.Order) error {
	log := logger.WithFields(map[string]interface{}{
		"position_id":     position.ID,
		"client_order_id": order.ClientOrderID,
		"symbol":          position.Symbol,
	})

	req := connectors.PlaceOrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      order.RequestedQty,
		OrderType:     d.cfg.OrderType,
		ReduceOnly:    true,
	}

	resp, err := d.placeWithRetry(ctx, req, log)
	if err != nil {
		if model.IsRejected(err) {
			d.book.MarkOrderTerminal(ctx, order.ClientOrderID, model.OrderStatusRejected, err.Error())
		}
		return err
	}

	log.WithField("venue_order_id", resp.VenueOrderID).Info("close order accepted")
	return nil
}

// Cancel withdraws an unfilled order from the venue and terminates the
// position it was opening.
func (d *Dispatcher) Cancel(ctx context.Context, position *model.Position, order *model.Order) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	if err := d.client.CancelOrder(ctx, order.Symbol, order.ClientOrderID); err != nil {
		return fmt.Errorf("cancel order %s: %w", order.ClientOrderID, err)
	}

	d.book.MarkOrderTerminal(ctx, order.ClientOrderID, model.OrderStatusCancelled, "cancelled by engine")
	return d.book.ApplyCancel(ctx, position.ID, "order cancelled")
}

// prepareSymbol configures margin mode and leverage once per symbol. Venues
// answer idempotently when the value is already set, so repeating after a
// restart is harmless.
func (d *Dispatcher) prepareSymbol(ctx context.Context, symbol string, mode model.MarginMode, leverage int) error {
	d.mu.Lock()
	current, ok := d.prepared[symbol]
	d.mu.Unlock()
	if ok && current.marginMode == mode && current.leverage == leverage {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	if err := d.client.SetMarginMode(ctx, symbol, mode); err != nil {
		return fmt.Errorf("set margin mode %s on %s: %w", mode, symbol, err)
	}
	if err := d.client.SetLeverage(ctx, symbol, leverage); err != nil {
		return fmt.Errorf("set leverage %dx on %s: %w", leverage, symbol, err)
	}

	d.mu.Lock()
	d.prepared[symbol] = symbolSetup{marginMode: mode, leverage: leverage}
	d.mu.Unlock()
	return nil
}

// placeWithRetry retries transient failures with doubling delay. Permanent
// rejections and context cancellation abort immediately.
func (d *Dispatcher) placeWithRetry(ctx context.Context, req connectors.PlaceOrderRequest, log *logger.Entry) (*connectors.PlaceOrderResponse, error) {
	d.throttle()

	delay := d.cfg.RetryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
		resp, err := d.client.PlaceOrder(callCtx, req)
		cancel()

		if err == nil {
			return resp, nil
		}
		if !model.IsTransient(err) {
			return nil, err
		}

		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("transient order failure, retrying")

		if attempt == d.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		d.sleep(delay)
		delay *= 2
	}

	return nil, fmt.Errorf("order %s failed after %d attempts: %w", req.ClientOrderID, d.cfg.MaxRetries, lastErr)
}

// throttle enforces a minimum spacing between venue submissions.
func (d *Dispatcher) throttle() {
	if d.cfg.MinOrderInterval <= 0 {
		return
	}

	d.mu.Lock()
	elapsed := time.Since(d.lastSent)
	wait := d.cfg.MinOrderInterval - elapsed
	d.lastSent = time.Now().Add(maxDuration(wait, 0))
	d.mu.Unlock()

	if wait > 0 {
		d.sleep(wait)
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
