package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadDeadline     = 90 * time.Second
	wsReconnectDelay   = 2 * time.Second
	wsReconnectMax     = 30 * time.Second
)

// WSFillStream subscribes to the venue's private execution stream over a
// websocket and delivers fill events. The connection reconnects with backoff;
// the venue replays unacknowledged executions on resubscribe, so consumers
// may see the same fill twice and must dedupe by client order ID plus
// cumulative quantity.
type WSFillStream struct {
	url       string
	apiKey    string
	apiSecret string
}

func NewWSFillStream(url, apiKey, apiSecret string) *WSFillStream {
	return &WSFillStream{url: url, apiKey: apiKey, apiSecret: apiSecret}
}

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Fills connects and streams fill events until ctx is done. The returned
// channel closes once the consumer should stop listening.
func (s *WSFillStream) Fills(ctx context.Context) (<-chan FillEvent, error) {
	out := make(chan FillEvent, 128)

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial fill stream connection: %w", err)
	}

	go func() {
		defer close(out)
		defer conn.Close()

		delay := wsReconnectDelay

		for {
			if err := s.readLoop(ctx, conn, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.WithError(err).Warn("fill stream disconnected, reconnecting")
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			if delay < wsReconnectMax {
				delay *= 2
			}

			next, err := s.dial(ctx)
			if err != nil {
				logger.WithError(err).Warn("fill stream reconnect failed")
				continue
			}
			conn.Close()
			conn = next
			delay = wsReconnectDelay
		}
	}()

	return out, nil
}

func (s *WSFillStream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}

	expiry := time.Now().Add(1 * time.Minute).Unix()
	sig := signRequest("/ws", "", "", expiry, s.apiSecret)

	header := http.Header{
		"x-access-token":      []string{s.apiKey},
		"x-request-expiry":    []string{fmt.Sprintf("%d", expiry)},
		"x-request-signature": []string{sig},
	}

	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return nil, err
	}

	sub := map[string]interface{}{"op": "subscribe", "channel": "executions"}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing to executions: %w", err)
	}

	logger.WithField("url", s.url).Info("fill stream connected")
	return conn, nil
}

func (s *WSFillStream) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- FillEvent) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadDeadline)); err != nil {
			return err
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.WithError(err).Warn("skipping undecodable fill stream frame")
			continue
		}

		if frame.Type != "execution" {
			continue
		}

		var fill FillEvent
		if err := json.Unmarshal(frame.Data, &fill); err != nil {
			logger.WithError(err).Warn("skipping undecodable execution payload")
			continue
		}

		select {
		case out <- fill:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
