package position

// Position is the single-unit exposure held during a replay.
type Position int8

const (
	Flat Position = 0
	Long Position = 1
)

func (p Position) String() string {
	if p == Long {
		return "long"
	}
	return "flat"
}

func (p Position) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Change is what a bar did to the position.
type Change int8

const (
	None  Change = 0
	Open  Change = 1
	Close Change = -1
)

func (c Change) String() string {
	switch c {
	case Open:
		return "open"
	case Close:
		return "close"
	default:
		return "none"
	}
}

func (c Change) MarshalText() ([]byte, error) { return []byte(c.String()), nil }
