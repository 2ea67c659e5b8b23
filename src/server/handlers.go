package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/engine"
	"tradeengine/src/model"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps the engine error taxonomy onto HTTP statuses: malformed
// input 400, local safety refusal 409, venue business rejection 422, venue
// transient failure 502.
func statusFor(err error) int {
	var (
		validation *model.ValidationError
		safety     *model.SafetyLimitExceeded
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &safety):
		return http.StatusConflict
	case model.IsRejected(err):
		return http.StatusUnprocessableEntity
	case model.IsTransient(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}

type signalRequest struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Direction       string    `json:"direction"`
	Confidence      float64   `json:"confidence"`
	SourceTimestamp time.Time `json:"source_timestamp"`
}

func submitSignalHandler(eng engine.TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}

		signal := model.Signal{
			ID:              req.ID,
			Symbol:          req.Symbol,
			Direction:       model.Direction(req.Direction),
			Confidence:      req.Confidence,
			SourceTimestamp: req.SourceTimestamp,
		}

		decision, err := eng.SubmitSignal(r.Context(), signal)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, decision)
	}
}

func manualCloseHandler(eng engine.TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		positionID := chi.URLParam(r, "id")
		if positionID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing position id"})
			return
		}

		if err := eng.ManualClose(r.Context(), positionID); err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "closing", "position_id": positionID})
	}
}

type stopsRequest struct {
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
}

func updateStopsHandler(eng engine.TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		positionID := chi.URLParam(r, "id")
		if positionID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing position id"})
			return
		}

		var req stopsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}

		if err := eng.UpdateStops(r.Context(), positionID, req.StopLossPct, req.TakeProfitPct); err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "position_id": positionID})
	}
}

type modeRequest struct {
	Mode      string `json:"mode"`
	Confirmed bool   `json:"confirmed"`
}

func setModeHandler(eng engine.TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req modeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}

		if err := eng.SetMode(r.Context(), engine.Mode(req.Mode), req.Confirmed); err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"mode": req.Mode})
	}
}

func emergencyStopHandler(eng engine.TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := eng.EmergencyStop(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopped"})
	}
}

func resumeHandler(eng engine.TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eng.ResumeTrading()
		writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
	}
}

func tradeHistoryHandler(eng engine.TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		records, err := eng.TradeHistory(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func listPositionsHandler(eng engine.TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.Positions())
	}
}

func portfolioHandler(eng engine.TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.Portfolio())
	}
}

// eventStreamHandler streams engine events as server-sent events until the
// client disconnects.
func eventStreamHandler(eng engine.TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		events, unsubscribe := eng.Subscribe()
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case event, open := <-events:
				if !open {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					logger.WithError(err).Error("failed to marshal event")
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
