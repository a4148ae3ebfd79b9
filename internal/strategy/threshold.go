package strategy

// Threshold compares the close against both averages: above both buys,
// below both sells.
type Threshold struct{}

func (Threshold) Name() string { return "threshold" }

func (Threshold) Evaluate(in Inputs, i int) (Action, string) {
	fast, okFast := in.Fast.At(i)
	slow, okSlow := in.Slow.At(i)
	if !okFast || !okSlow || i >= len(in.Close) {
		return Hold, "warming up"
	}

	price := in.Close[i]
	switch {
	case fast > price && slow > price:
		return Sell, "price below both averages"
	case fast < price && slow < price:
		return Buy, "price above both averages"
	default:
		return Hold, "price between averages"
	}
}
