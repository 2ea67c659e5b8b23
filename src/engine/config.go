package engine

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Mode            string   `envconfig:"ENGINE_MODE" default:"paper"` // "paper" or "live"
	Symbols         []string `envconfig:"SYMBOLS" default:"BTC,ETH"`   // base symbols, quote from marketdata config
	Leverage        int      `envconfig:"LEVERAGE" default:"10"`
	MarginMode      string   `envconfig:"MARGIN_MODE" default:"isolated"`
	AllowHedge      bool     `envconfig:"ALLOW_HEDGE" default:"false"`
	StopLossPct     float64  `envconfig:"STOP_LOSS_PCT" default:"5"`    // pnl pct on margin
	TakeProfitPct   float64  `envconfig:"TAKE_PROFIT_PCT" default:"10"` // pnl pct on margin
	VenueBaseURL    string   `envconfig:"VENUE_BASE_URL" default:"https://api.venue.example"`
	VenueWSURL      string   `envconfig:"VENUE_WS_URL" default:"wss://stream.venue.example/private"`
	VenueAPIKey     string   `envconfig:"VENUE_API_KEY"`
	VenueAPISecret  string   `envconfig:"VENUE_API_SECRET"`
	CredentialsEnc  bool     `envconfig:"VENUE_CREDENTIALS_ENCRYPTED" default:"false"`
	InitialBalance  float64  `envconfig:"INITIAL_BALANCE" default:"10000"`
	ReversalEnabled bool     `envconfig:"REVERSAL_ENABLED" default:"false"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
