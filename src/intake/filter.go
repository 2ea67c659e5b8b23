package intake

import (
	"fmt"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/ledger"
	"tradeengine/src/model"
)

// DirectionMode restricts which signal directions the operator allows.
type DirectionMode string

const (
	DirectionModeBoth      DirectionMode = "both"
	DirectionModeLongOnly  DirectionMode = "long_only"
	DirectionModeShortOnly DirectionMode = "short_only"
)

// Verdict says what the engine should do with a signal.
type Verdict string

const (
	VerdictExecute Verdict = "execute"
	VerdictReverse Verdict = "reverse"
	VerdictReject  Verdict = "reject"
)

// Decision is the outcome of running a signal through the filter chain.
type Decision struct {
	Verdict Verdict
	Reason  string
	// ClosePositionID is set on a reversal: the position to close before
	// opening the opposite side.
	ClosePositionID string
}

// Config tunes the filter chain. Short signals carry a stricter confidence
// bar: adverse moves against a short are unbounded under leverage.
type Config struct {
	MaxSignalAge       time.Duration `envconfig:"INTAKE_MAX_SIGNAL_AGE" default:"5m"`
	MinLongConfidence  float64       `envconfig:"INTAKE_MIN_LONG_CONFIDENCE" default:"0.65"`
	MinShortConfidence float64       `envconfig:"INTAKE_MIN_SHORT_CONFIDENCE" default:"0.75"`
	DirectionMode      DirectionMode `envconfig:"INTAKE_DIRECTION_MODE" default:"both"`
	ConfirmationCount  int           `envconfig:"INTAKE_CONFIRMATION_COUNT" default:"1"`
	ReversalEnabled    bool          `envconfig:"REVERSAL_ENABLED" default:"false"`
	// AllowHedge lets an opposite-direction signal open the other side
	// instead of reversing; reversal never applies in hedge mode.
	AllowHedge bool `envconfig:"ALLOW_HEDGE" default:"false"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

func DefaultConfig() Config {
	return Config{
		MaxSignalAge:       5 * time.Minute,
		MinLongConfidence:  0.65,
		MinShortConfidence: 0.75,
		DirectionMode:      DirectionModeBoth,
		ConfirmationCount:  1,
		ReversalEnabled:    false,
	}
}

type positionReader interface {
	ActiveOnSymbol(symbol string) []model.Position
}

type safetyGate interface {
	CanTrade() error
}

// Filter validates, deduplicates and gates signals before they reach the
// ledger. The same filter instance serves both engine modes, so reversal
// behavior cannot drift between them.
type Filter struct {
	cfg       Config
	positions positionReader
	portfolio safetyGate
	now       func() time.Time

	mu        sync.Mutex
	seen      map[string]struct{} // symbol|direction|minute-bucket
	streak    map[string]model.Direction
	streakLen map[string]int
}

func NewFilter(cfg Config, positions positionReader, portfolio safetyGate) *Filter {
	if cfg.ConfirmationCount < 1 {
		cfg.ConfirmationCount = 1
	}
	return &Filter{
		cfg:       cfg,
		positions: positions,
		portfolio: portfolio,
		now:       time.Now,
		seen:      make(map[string]struct{}),
		streak:    make(map[string]model.Direction),
		streakLen: make(map[string]int),
	}
}

var (
	_ positionReader = (*ledger.PositionLedger)(nil)
	_ safetyGate     = (*ledger.PortfolioLedger)(nil)
)

func dedupeKey(signal model.Signal) string {
	bucket := signal.SourceTimestamp.UTC().Truncate(time.Minute)
	return fmt.Sprintf("%s|%s|%d", signal.Symbol, signal.Direction, bucket.Unix())
}

// Accept runs the chain in order: safety gate, staleness, dedup, confidence,
// direction mode, confirmation, existing-position handling.
func (f *Filter) Accept(signal model.Signal) Decision {
	log := logger.WithFields(map[string]interface{}{
		"signal_id": signal.ID,
		"symbol":    signal.Symbol,
		"direction": signal.Direction,
	})

	if signal.Symbol == "" {
		return reject("empty symbol")
	}
	if signal.Direction == model.DirectionNeutral {
		return reject("neutral direction")
	}
	if signal.Confidence < 0 || signal.Confidence > 1 {
		return reject(fmt.Sprintf("confidence %.4f out of [0,1]", signal.Confidence))
	}

	if err := f.portfolio.CanTrade(); err != nil {
		log.WithError(err).Warn("signal refused by safety gate")
		return reject(err.Error())
	}

	age := f.now().Sub(signal.SourceTimestamp)
	if age > f.cfg.MaxSignalAge {
		log.WithField("age", age.String()).Warn("stale signal rejected")
		return reject(fmt.Sprintf("signal is %s old, freshness bound %s", age, f.cfg.MaxSignalAge))
	}

	key := dedupeKey(signal)
	f.mu.Lock()
	if _, dup := f.seen[key]; dup {
		f.mu.Unlock()
		log.Debug("duplicate signal dropped")
		return reject("duplicate signal for symbol, direction and minute")
	}
	f.seen[key] = struct{}{}
	f.mu.Unlock()

	minConfidence := f.cfg.MinLongConfidence
	if signal.Direction == model.DirectionShort {
		minConfidence = f.cfg.MinShortConfidence
	}
	if signal.Confidence < minConfidence {
		log.WithField("confidence", signal.Confidence).Info("signal below confidence threshold")
		return reject(fmt.Sprintf("confidence %.4f below threshold %.4f", signal.Confidence, minConfidence))
	}

	switch f.cfg.DirectionMode {
	case DirectionModeLongOnly:
		if signal.Direction == model.DirectionShort {
			return reject("short signals disabled by direction mode")
		}
	case DirectionModeShortOnly:
		if signal.Direction == model.DirectionLong {
			return reject("long signals disabled by direction mode")
		}
	}

	if !f.confirmed(signal) {
		return reject(fmt.Sprintf("awaiting %d consecutive %s signals", f.cfg.ConfirmationCount, signal.Direction))
	}

	return f.resolveExisting(signal, log)
}

// confirmed tracks consecutive same-direction signals per symbol and only
// passes once the streak reaches the configured count.
func (f *Filter) confirmed(signal model.Signal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.streak[signal.Symbol] == signal.Direction {
		f.streakLen[signal.Symbol]++
	} else {
		f.streak[signal.Symbol] = signal.Direction
		f.streakLen[signal.Symbol] = 1
	}

	return f.streakLen[signal.Symbol] >= f.cfg.ConfirmationCount
}

// resolveExisting applies the open-position policy: same direction is
// ignored, opposite direction reverses only when reversal is enabled.
func (f *Filter) resolveExisting(signal model.Signal, log *logger.Entry) Decision {
	active := f.positions.ActiveOnSymbol(signal.Symbol)
	if len(active) == 0 {
		return Decision{Verdict: VerdictExecute}
	}

	side := signal.Direction.SideFor()
	for i := range active {
		position := &active[i]

		if position.Side == side {
			log.WithField("position_id", position.ID).Debug("same-direction signal on open position ignored")
			return reject("position already open in signal direction")
		}

		if f.cfg.AllowHedge {
			continue
		}

		if !f.cfg.ReversalEnabled {
			log.WithField("position_id", position.ID).Info("opposite signal ignored, reversal disabled")
			return reject("opposite signal on open position, reversal disabled")
		}

		log.WithField("position_id", position.ID).Info("opposite signal triggers reversal")
		return Decision{Verdict: VerdictReverse, ClosePositionID: position.ID}
	}

	// hedge mode with no same-symbol conflict
	return Decision{Verdict: VerdictExecute}
}

func reject(reason string) Decision {
	return Decision{Verdict: VerdictReject, Reason: reason}
}
