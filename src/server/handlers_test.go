package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"tradeengine/src/engine"
	"tradeengine/src/intake"
	"tradeengine/src/model"
)

type fakeEngine struct {
	decision  intake.Decision
	submitErr error
	closeErr  error
	modeErr   error
	mode      engine.Mode
	positions []model.Position
	events    []model.EngineEvent

	closedID string
	stopped  bool
	resumed  bool

	stopsErr      error
	stopsID       string
	stopLossPct   float64
	takeProfitPct float64
	history       []model.TradeRecord
	historyLimit  int
}

func (f *fakeEngine) Start(ctx context.Context) error { return nil }
func (f *fakeEngine) Stop(ctx context.Context) error  { return nil }

func (f *fakeEngine) SubmitSignal(ctx context.Context, signal model.Signal) (intake.Decision, error) {
	return f.decision, f.submitErr
}

func (f *fakeEngine) ManualClose(ctx context.Context, positionID string) error {
	f.closedID = positionID
	return f.closeErr
}

func (f *fakeEngine) RequestClose(ctx context.Context, positionID, reason string) error {
	return f.closeErr
}

func (f *fakeEngine) SetMode(ctx context.Context, mode engine.Mode, confirmed bool) error {
	if f.modeErr != nil {
		return f.modeErr
	}
	f.mode = mode
	return nil
}

func (f *fakeEngine) EmergencyStop(ctx context.Context) error {
	f.stopped = true
	return nil
}

func (f *fakeEngine) ResumeTrading() { f.resumed = true }

func (f *fakeEngine) UpdateStops(ctx context.Context, positionID string, stopLossPct, takeProfitPct float64) error {
	if f.stopsErr != nil {
		return f.stopsErr
	}
	f.stopsID = positionID
	f.stopLossPct = stopLossPct
	f.takeProfitPct = takeProfitPct
	return nil
}

func (f *fakeEngine) TradeHistory(ctx context.Context, limit int) ([]model.TradeRecord, error) {
	f.historyLimit = limit
	return f.history, nil
}

func (f *fakeEngine) Mode() engine.Mode { return f.mode }

func (f *fakeEngine) Positions() []model.Position { return f.positions }

func (f *fakeEngine) Portfolio() model.Portfolio {
	return model.Portfolio{Balance: decimal.NewFromInt(10000), TradingEnabled: true}
}

func (f *fakeEngine) Subscribe() (<-chan model.EngineEvent, func()) {
	ch := make(chan model.EngineEvent, len(f.events))
	for _, event := range f.events {
		ch <- event
	}
	close(ch)
	return ch, func() {}
}

func TestSubmitSignalAccepted(t *testing.T) {
	eng := &fakeEngine{decision: intake.Decision{Verdict: intake.VerdictExecute}}
	router := NewRouter(eng)

	body := `{"id":"s1","symbol":"BTCUSDT","direction":"long","confidence":0.9,"source_timestamp":"2025-06-01T12:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/signals", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var decision intake.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decision.Verdict != intake.VerdictExecute {
		t.Fatalf("expected execute verdict in body, got %+v", decision)
	}
}

func TestSubmitSignalMalformedBody(t *testing.T) {
	router := NewRouter(&fakeEngine{})

	req := httptest.NewRequest(http.MethodPost, "/signals", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestErrorTaxonomyStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &model.ValidationError{Field: "symbol", Reason: "empty"}, http.StatusBadRequest},
		{"safety", &model.SafetyLimitExceeded{Limit: "daily_loss", Reason: "breached"}, http.StatusConflict},
		{"rejected", &model.ExchangeRejected{Op: "PlaceOrder", Code: 110007, Reason: "insufficient"}, http.StatusUnprocessableEntity},
		{"transient", &model.ExchangeTransientError{Op: "PlaceOrder", Err: context.DeadlineExceeded}, http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := NewRouter(&fakeEngine{submitErr: tc.err})

			body := `{"id":"s1","symbol":"BTCUSDT","direction":"long","confidence":0.9}`
			req := httptest.NewRequest(http.MethodPost, "/signals", strings.NewReader(body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestManualClose(t *testing.T) {
	eng := &fakeEngine{}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodPost, "/positions/pos-1/close", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if eng.closedID != "pos-1" {
		t.Fatalf("expected close for pos-1, got %q", eng.closedID)
	}
}

func TestSetModeRefused(t *testing.T) {
	eng := &fakeEngine{
		mode:    engine.ModePaper,
		modeErr: &model.ValidationError{Field: "confirmed", Reason: "switching to live requires confirmation"},
	}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodPost, "/mode", strings.NewReader(`{"mode":"live"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEmergencyStop(t *testing.T) {
	eng := &fakeEngine{}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodPost, "/emergency-stop", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !eng.stopped {
		t.Fatal("expected engine emergency stop invoked")
	}
}

func TestResumeTrading(t *testing.T) {
	eng := &fakeEngine{}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodPost, "/resume", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !eng.resumed {
		t.Fatal("expected engine resume invoked")
	}
}

func TestUpdateStopsEndpoint(t *testing.T) {
	eng := &fakeEngine{}
	router := NewRouter(eng)

	body := `{"stop_loss_pct":2,"take_profit_pct":4}`
	req := httptest.NewRequest(http.MethodPost, "/positions/pos-1/stops", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if eng.stopsID != "pos-1" || eng.stopLossPct != 2 || eng.takeProfitPct != 4 {
		t.Fatalf("unexpected stop update: id=%q sl=%v tp=%v", eng.stopsID, eng.stopLossPct, eng.takeProfitPct)
	}
}

func TestUpdateStopsRefused(t *testing.T) {
	eng := &fakeEngine{stopsErr: &model.ValidationError{Field: "stops", Reason: "stop percentages must be positive"}}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodPost, "/positions/pos-1/stops", strings.NewReader(`{"stop_loss_pct":0}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestTradeHistoryEndpoint(t *testing.T) {
	eng := &fakeEngine{history: []model.TradeRecord{
		{PositionID: "pos-1", Symbol: "BTCUSDT", Side: model.SideLong},
	}}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodGet, "/history?limit=5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if eng.historyLimit != 5 {
		t.Fatalf("expected limit 5 passed through, got %d", eng.historyLimit)
	}

	var records []model.TradeRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(records) != 1 || records[0].PositionID != "pos-1" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestPortfolioEndpoint(t *testing.T) {
	router := NewRouter(&fakeEngine{})

	req := httptest.NewRequest(http.MethodGet, "/portfolio", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var snapshot model.Portfolio
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode portfolio: %v", err)
	}
	if !snapshot.Balance.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("unexpected balance: %s", snapshot.Balance)
	}
}

func TestEventStream(t *testing.T) {
	eng := &fakeEngine{events: []model.EngineEvent{
		{Type: model.EventPositionOpened, Symbol: "BTCUSDT"},
	}}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", got)
	}
	if !strings.Contains(rec.Body.String(), `data: {"type":"position_opened"`) {
		t.Fatalf("expected event frame in body, got %q", rec.Body.String())
	}
}
