// Package backtest provides a single-instrument execution simulator and a grid search
// optimizer for rule-based FX strategies
package backtest

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// ============================================================================
// DATA STRUCTURES
// ============================================================================

// Candlestick represents OHLCV data for a time period
type Candlestick struct {
	Symbol    string    `json:"symbol" yaml:"symbol"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Open      float64   `json:"open" yaml:"open"`
	High      float64   `json:"high" yaml:"high"`
	Low       float64   `json:"low" yaml:"low"`
	Close     float64   `json:"close" yaml:"close"`
	Volume    float64   `json:"volume" yaml:"volume"`
}

// Side is the position state of the simulator after a bar
type Side int

const (
	Flat Side = iota
	Long
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// sign is +1 for long, -1 for short and 0 when flat
func (s Side) sign() float64 {
	switch s {
	case Long:
		return 1
	case Short:
		return -1
	default:
		return 0
	}
}

// Action is what a rule asks the simulator to do at a bar
type Action int

const (
	ActionHold Action = iota
	ActionEnterLong
	ActionEnterShort
	ActionExit
	ActionReverse
)

func (a Action) String() string {
	switch a {
	case ActionEnterLong:
		return "enter_long"
	case ActionEnterShort:
		return "enter_short"
	case ActionExit:
		return "exit"
	case ActionReverse:
		return "reverse"
	default:
		return "hold"
	}
}

// Execution selects the price at which a decision taken at bar i is filled
type Execution int

const (
	// ExecuteOnNextOpen fills at the open of bar i+1
	ExecuteOnNextOpen Execution = iota
	// ExecuteOnClose fills at the close of bar i
	ExecuteOnClose
)

func (e Execution) String() string {
	if e == ExecuteOnClose {
		return "close"
	}
	return "next_open"
}

// Rule is the strategy slot of the simulator. Ready reports whether every indicator value
// needed at bar i is defined; Decide is only called for ready bars.
type Rule interface {
	Ready(i int) bool
	Decide(i int, side Side) Action
}

// Trade is one completed round trip
type Trade struct {
	ID          int           `json:"id" yaml:"id"`
	Symbol      string        `json:"symbol" yaml:"symbol"`
	Side        string        `json:"side" yaml:"side"` // "LONG", "SHORT"
	EntryIndex  int           `json:"entry_index" yaml:"entry_index"`
	ExitIndex   int           `json:"exit_index" yaml:"exit_index"`
	EntryTime   time.Time     `json:"entry_time" yaml:"entry_time"`
	ExitTime    time.Time     `json:"exit_time" yaml:"exit_time"`
	EntryPrice  float64       `json:"entry_price" yaml:"entry_price"`
	ExitPrice   float64       `json:"exit_price" yaml:"exit_price"`
	Quantity    float64       `json:"quantity" yaml:"quantity"`
	Commission  float64       `json:"commission" yaml:"commission"`   // entry + exit
	RealizedPL  float64       `json:"realized_pl" yaml:"realized_pl"` // net of commission
	ReturnPct   float64       `json:"return_pct" yaml:"return_pct"`
	HoldingTime time.Duration `json:"holding_time" yaml:"holding_time"`
	ForcedExit  bool          `json:"forced_exit" yaml:"forced_exit"`
}

// EquityPoint represents account equity after a bar
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Equity    float64   `json:"equity" yaml:"equity"`
	Cash      float64   `json:"cash" yaml:"cash"`
	Holdings  float64   `json:"holdings" yaml:"holdings"` // unrealized P&L of the open position
}

// Result is the outcome of one simulation
type Result struct {
	Symbol         string         `json:"symbol" yaml:"symbol"`
	InitialCapital float64        `json:"initial_capital" yaml:"initial_capital"`
	FinalEquity    float64        `json:"final_equity" yaml:"final_equity"`
	Return         float64        `json:"return" yaml:"return"` // (final - initial) / initial
	Trades         []*Trade       `json:"trades" yaml:"trades"`
	EquityCurve    []*EquityPoint `json:"equity_curve" yaml:"equity_curve"`
	Positions      []Side         `json:"-" yaml:"-"`
	MaxDrawdown    float64        `json:"max_drawdown" yaml:"max_drawdown"`
	MaxDrawdownPct float64        `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	Config         BacktestConfig `json:"config" yaml:"config"`
}

// BacktestConfig contains simulator configuration
type BacktestConfig struct {
	InitialCapital float64   `json:"initial_capital" yaml:"initial_capital"`
	CommissionRate float64   `json:"commission_rate" yaml:"commission_rate"` // 0.0002 = 0.02%
	Execution      Execution `json:"execution" yaml:"execution"`
}

// DefaultConfig returns 10,000 starting cash, 0.02% commission and next-open fills
func DefaultConfig() BacktestConfig {
	return BacktestConfig{
		InitialCapital: 10000,
		CommissionRate: 0.0002,
		Execution:      ExecuteOnNextOpen,
	}
}

// Validate checks that the configuration can drive a simulation
func (c BacktestConfig) Validate() error {
	if !(c.InitialCapital > 0) || math.IsInf(c.InitialCapital, 0) {
		return fmt.Errorf("initial capital must be positive, got %v: %w", c.InitialCapital, ErrInvalidParameter)
	}
	if c.CommissionRate < 0 || c.CommissionRate >= 1 || math.IsNaN(c.CommissionRate) {
		return fmt.Errorf("commission rate must be in [0, 1), got %v: %w", c.CommissionRate, ErrInvalidParameter)
	}
	if c.Execution != ExecuteOnClose && c.Execution != ExecuteOnNextOpen {
		return fmt.Errorf("unknown execution mode %d: %w", c.Execution, ErrInvalidParameter)
	}
	return nil
}

// ValidateSeries checks that candles are non-empty, strictly increasing in time and carry
// finite prices. Series are never reordered.
func ValidateSeries(candles []*Candlestick) error {
	if len(candles) == 0 {
		return fmt.Errorf("no candles: %w", ErrInvalidInput)
	}
	for i, c := range candles {
		if c == nil {
			return fmt.Errorf("nil candle at index %d: %w", i, ErrInvalidInput)
		}
		if math.IsNaN(c.Close) || math.IsInf(c.Close, 0) || math.IsNaN(c.Open) || math.IsInf(c.Open, 0) {
			return fmt.Errorf("non-finite price at index %d: %w", i, ErrInvalidInput)
		}
		if i > 0 && !c.Timestamp.After(candles[i-1].Timestamp) {
			return fmt.Errorf("timestamp at index %d (%s) does not follow %s: %w",
				i, c.Timestamp.Format(time.RFC3339), candles[i-1].Timestamp.Format(time.RFC3339), ErrInvalidInput)
		}
	}
	return nil
}

// Closes extracts the close prices of a series
func Closes(candles []*Candlestick) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}

// ============================================================================
// EXECUTION ENGINE
// ============================================================================

type openPosition struct {
	side       Side
	entryIndex int
	entryTime  time.Time
	entryPrice float64
	quantity   float64
	commission float64
}

// Engine simulates a single all-in position over one candle series. An Engine is not safe
// for concurrent use; the optimizer creates one per evaluation.
type Engine struct {
	// Configuration
	InitialCapital float64
	CommissionRate float64
	Execution      Execution

	// State
	Cash           float64
	Trades         []*Trade
	EquityCurve    []*EquityPoint
	Positions      []Side
	PeakEquity     float64
	MaxDrawdown    float64
	MaxDrawdownPct float64

	position *openPosition
	pending  Action
	symbol   string
}

// NewEngine creates a new simulator
func NewEngine(config BacktestConfig) *Engine {
	return &Engine{
		InitialCapital: config.InitialCapital,
		CommissionRate: config.CommissionRate,
		Execution:      config.Execution,
		Cash:           config.InitialCapital,
		PeakEquity:     config.InitialCapital,
	}
}

func (e *Engine) config() BacktestConfig {
	return BacktestConfig{
		InitialCapital: e.InitialCapital,
		CommissionRate: e.CommissionRate,
		Execution:      e.Execution,
	}
}

func (e *Engine) reset(n int) {
	e.Cash = e.InitialCapital
	e.Trades = make([]*Trade, 0)
	e.EquityCurve = make([]*EquityPoint, 0, n)
	e.Positions = make([]Side, 0, n)
	e.PeakEquity = e.InitialCapital
	e.MaxDrawdown = 0
	e.MaxDrawdownPct = 0
	e.position = nil
	e.pending = ActionHold
}

// Side returns the current position state
func (e *Engine) Side() Side {
	if e.position == nil {
		return Flat
	}
	return e.position.side
}

// Run replays the series bar by bar, asking rule for a decision at every ready bar. Any
// position still open after the last bar is closed at the final close.
func (e *Engine) Run(ctx context.Context, candles []*Candlestick, rule Rule) (*Result, error) {
	if rule == nil {
		return nil, fmt.Errorf("nil rule: %w", ErrInvalidParameter)
	}
	if err := e.config().Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSeries(candles); err != nil {
		return nil, err
	}

	e.reset(len(candles))
	e.symbol = candles[0].Symbol
	last := len(candles) - 1

	for i, candle := range candles {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// Fill the order decided on the previous bar
		if e.pending != ActionHold {
			e.apply(e.pending, i, candle.Open, candle.Timestamp)
			e.pending = ActionHold
		}

		if rule.Ready(i) {
			action := e.legalize(rule.Decide(i, e.Side()))
			if action != ActionHold {
				switch {
				case e.Execution == ExecuteOnClose:
					e.apply(action, i, candle.Close, candle.Timestamp)
				case i < last:
					e.pending = action
				default:
					log.Debug().
						Str("action", action.String()).
						Int("bar", i).
						Msg("Dropping signal on final bar")
				}
			}
		}

		e.recordEquityPoint(candle)
		e.Positions = append(e.Positions, e.Side())
	}

	if e.position != nil {
		final := candles[last]
		e.closePosition(last, final.Close, final.Timestamp, true)
		// Final equity reflects the forced exit commission
		point := e.EquityCurve[last]
		point.Cash = e.Cash
		point.Holdings = 0
		point.Equity = e.Cash
		e.updateDrawdown(e.Cash)
	}

	result := &Result{
		Symbol:         e.symbol,
		InitialCapital: e.InitialCapital,
		FinalEquity:    e.Cash,
		Return:         (e.Cash - e.InitialCapital) / e.InitialCapital,
		Trades:         e.Trades,
		EquityCurve:    e.EquityCurve,
		Positions:      e.Positions,
		MaxDrawdown:    e.MaxDrawdown,
		MaxDrawdownPct: e.MaxDrawdownPct,
		Config:         e.config(),
	}

	log.Debug().
		Str("symbol", e.symbol).
		Int("bars", len(candles)).
		Int("trades", len(e.Trades)).
		Float64("final_equity", result.FinalEquity).
		Float64("return", result.Return).
		Msg("Simulation complete")

	return result, nil
}

// legalize drops actions that make no sense for the current side
func (e *Engine) legalize(action Action) Action {
	side := e.Side()
	switch action {
	case ActionEnterLong, ActionEnterShort:
		if side == Flat {
			return action
		}
	case ActionExit, ActionReverse:
		if side != Flat {
			return action
		}
	}
	return ActionHold
}

func (e *Engine) apply(action Action, i int, price float64, ts time.Time) {
	switch action {
	case ActionEnterLong:
		e.openPosition(Long, i, price, ts)
	case ActionEnterShort:
		e.openPosition(Short, i, price, ts)
	case ActionExit:
		e.closePosition(i, price, ts, false)
	case ActionReverse:
		side := e.Side()
		e.closePosition(i, price, ts, false)
		if side == Long {
			e.openPosition(Short, i, price, ts)
		} else if side == Short {
			e.openPosition(Long, i, price, ts)
		}
	}
}

func (e *Engine) openPosition(side Side, i int, price float64, ts time.Time) {
	if e.position != nil {
		return
	}
	if !(price > 0) || !(e.Cash > 0) {
		log.Debug().
			Float64("price", price).
			Float64("cash", e.Cash).
			Int("bar", i).
			Msg("Skipping entry, nothing to commit")
		return
	}

	notional := e.Cash / (1 + e.CommissionRate)
	quantity := notional / price
	commission := notional * e.CommissionRate
	e.Cash -= commission

	e.position = &openPosition{
		side:       side,
		entryIndex: i,
		entryTime:  ts,
		entryPrice: price,
		quantity:   quantity,
		commission: commission,
	}

	log.Debug().
		Str("side", side.String()).
		Int("bar", i).
		Float64("price", price).
		Float64("quantity", quantity).
		Msg("Opened position")
}

func (e *Engine) closePosition(i int, price float64, ts time.Time, forced bool) {
	pos := e.position
	if pos == nil {
		return
	}

	gross := pos.side.sign() * pos.quantity * (price - pos.entryPrice)
	commission := pos.quantity * price * e.CommissionRate
	e.Cash += gross - commission

	totalCommission := pos.commission + commission
	realizedPL := gross - totalCommission
	returnPct := 0.0
	if entryValue := pos.quantity * pos.entryPrice; entryValue > 0 {
		returnPct = realizedPL / entryValue * 100
	}

	trade := &Trade{
		ID:          len(e.Trades) + 1,
		Symbol:      e.symbol,
		Side:        pos.side.String(),
		EntryIndex:  pos.entryIndex,
		ExitIndex:   i,
		EntryTime:   pos.entryTime,
		ExitTime:    ts,
		EntryPrice:  pos.entryPrice,
		ExitPrice:   price,
		Quantity:    pos.quantity,
		Commission:  totalCommission,
		RealizedPL:  realizedPL,
		ReturnPct:   returnPct,
		HoldingTime: ts.Sub(pos.entryTime),
		ForcedExit:  forced,
	}
	e.Trades = append(e.Trades, trade)
	e.position = nil

	log.Debug().
		Str("side", trade.Side).
		Int("bar", i).
		Float64("price", price).
		Float64("pnl", realizedPL).
		Bool("forced", forced).
		Msg("Closed position")
}

// GetCurrentEquity returns cash plus the unrealized P&L at price
func (e *Engine) GetCurrentEquity(price float64) float64 {
	return e.Cash + e.unrealizedPL(price)
}

func (e *Engine) unrealizedPL(price float64) float64 {
	if e.position == nil {
		return 0
	}
	return e.position.side.sign() * e.position.quantity * (price - e.position.entryPrice)
}

func (e *Engine) recordEquityPoint(candle *Candlestick) {
	holdings := e.unrealizedPL(candle.Close)
	equity := e.Cash + holdings

	e.EquityCurve = append(e.EquityCurve, &EquityPoint{
		Timestamp: candle.Timestamp,
		Equity:    equity,
		Cash:      e.Cash,
		Holdings:  holdings,
	})
	e.updateDrawdown(equity)
}

func (e *Engine) updateDrawdown(equity float64) {
	if equity > e.PeakEquity {
		e.PeakEquity = equity
	}
	drawdown := e.PeakEquity - equity
	if drawdown > e.MaxDrawdown {
		e.MaxDrawdown = drawdown
	}
	if e.PeakEquity > 0 {
		if pct := drawdown / e.PeakEquity * 100; pct > e.MaxDrawdownPct {
			e.MaxDrawdownPct = pct
		}
	}
}
