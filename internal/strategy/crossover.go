package strategy

// Crossover signals on the fast average crossing the slow one.
type Crossover struct {
	// WarmupEntry compares the first bar where both averages exist against
	// an implicit previous difference of zero.
	WarmupEntry bool
}

func (Crossover) Name() string { return "crossover" }

func (c Crossover) Evaluate(in Inputs, i int) (Action, string) {
	fast, okFast := in.Fast.At(i)
	slow, okSlow := in.Slow.At(i)
	if !okFast || !okSlow {
		return Hold, "warming up"
	}

	var prev float64
	prevFast, okPrevFast := in.Fast.At(i - 1)
	prevSlow, okPrevSlow := in.Slow.At(i - 1)
	if okPrevFast && okPrevSlow {
		prev = prevFast - prevSlow
	} else if !c.WarmupEntry {
		return Hold, "insufficient data for crossover detection"
	}

	diff := fast - slow
	switch {
	case prev <= 0 && diff > 0:
		return Buy, "SMA bullish crossover"
	case prev >= 0 && diff < 0:
		return Sell, "SMA bearish crossover"
	default:
		return Hold, "no SMA crossover"
	}
}
