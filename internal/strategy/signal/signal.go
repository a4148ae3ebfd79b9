package signal

import (
	"time"

	"github.com/amirphl/sma-replay/internal/strategy"
	"github.com/amirphl/sma-replay/internal/strategy/position"
)

// Signal is an action taken at a bar, as published to the outside world.
type Signal struct {
	Time         time.Time         `json:"time"`
	Symbol       string            `json:"symbol"`
	Action       strategy.Action   `json:"action"`
	Change       position.Change   `json:"change"`
	Reason       string            `json:"reason"`
	StrategyName string            `json:"strategy_name"`
	TriggerPrice float64           `json:"trigger_price"`
	Position     position.Position `json:"position"`
}
