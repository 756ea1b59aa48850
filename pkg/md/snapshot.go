package md

import "time"

// Snapshot is one market-data observation for one instrument. It is created
// on adapter ingress and never mutated afterwards; consumers share pointers
// freely. Field names follow the gateway's wire format.
type Snapshot struct {
	InstrumentID string    `json:"instrument_id"`
	Datetime     time.Time `json:"datetime"`

	LastPrice float64 `json:"last_price"`
	Volume    int64   `json:"volume"`
	Amount    float64 `json:"amount"`

	Open    float64 `json:"open"`
	Highest float64 `json:"highest"`
	Lowest  float64 `json:"lowest"`

	// Close is reported only after the session ends; feeds send "-" or
	// nothing intraday.
	Close OptionalFloat `json:"close"`

	PreClose   float64 `json:"pre_close"`
	UpperLimit float64 `json:"upper_limit"`
	LowerLimit float64 `json:"lower_limit"`
	Average    float64 `json:"average"`

	BidPrice1  float64 `json:"bid_price1"`
	BidVolume1 int64   `json:"bid_volume1"`
	AskPrice1  float64 `json:"ask_price1"`
	AskVolume1 int64   `json:"ask_volume1"`

	// Depth beyond level 1 depends on the feed: futures fronts send five
	// levels, level-2 equity feeds up to ten. Missing levels are omitted.
	BidPrice2   *float64 `json:"bid_price2,omitempty"`
	BidVolume2  *int64   `json:"bid_volume2,omitempty"`
	AskPrice2   *float64 `json:"ask_price2,omitempty"`
	AskVolume2  *int64   `json:"ask_volume2,omitempty"`
	BidPrice3   *float64 `json:"bid_price3,omitempty"`
	BidVolume3  *int64   `json:"bid_volume3,omitempty"`
	AskPrice3   *float64 `json:"ask_price3,omitempty"`
	AskVolume3  *int64   `json:"ask_volume3,omitempty"`
	BidPrice4   *float64 `json:"bid_price4,omitempty"`
	BidVolume4  *int64   `json:"bid_volume4,omitempty"`
	AskPrice4   *float64 `json:"ask_price4,omitempty"`
	AskVolume4  *int64   `json:"ask_volume4,omitempty"`
	BidPrice5   *float64 `json:"bid_price5,omitempty"`
	BidVolume5  *int64   `json:"bid_volume5,omitempty"`
	AskPrice5   *float64 `json:"ask_price5,omitempty"`
	AskVolume5  *int64   `json:"ask_volume5,omitempty"`
	BidPrice6   *float64 `json:"bid_price6,omitempty"`
	BidVolume6  *int64   `json:"bid_volume6,omitempty"`
	AskPrice6   *float64 `json:"ask_price6,omitempty"`
	AskVolume6  *int64   `json:"ask_volume6,omitempty"`
	BidPrice7   *float64 `json:"bid_price7,omitempty"`
	BidVolume7  *int64   `json:"bid_volume7,omitempty"`
	AskPrice7   *float64 `json:"ask_price7,omitempty"`
	AskVolume7  *int64   `json:"ask_volume7,omitempty"`
	BidPrice8   *float64 `json:"bid_price8,omitempty"`
	BidVolume8  *int64   `json:"bid_volume8,omitempty"`
	AskPrice8   *float64 `json:"ask_price8,omitempty"`
	AskVolume8  *int64   `json:"ask_volume8,omitempty"`
	BidPrice9   *float64 `json:"bid_price9,omitempty"`
	BidVolume9  *int64   `json:"bid_volume9,omitempty"`
	AskPrice9   *float64 `json:"ask_price9,omitempty"`
	AskVolume9  *int64   `json:"ask_volume9,omitempty"`
	BidPrice10  *float64 `json:"bid_price10,omitempty"`
	BidVolume10 *int64   `json:"bid_volume10,omitempty"`
	AskPrice10  *float64 `json:"ask_price10,omitempty"`
	AskVolume10 *int64   `json:"ask_volume10,omitempty"`

	OpenInterest    OptionalFloat `json:"open_interest"`
	PreOpenInterest OptionalFloat `json:"pre_open_interest"`
	Settlement      OptionalFloat `json:"settlement"`
	PreSettlement   OptionalFloat `json:"pre_settlement"`

	// IOPV is the indicative NAV, populated for ETFs only.
	IOPV OptionalFloat `json:"iopv"`
}

// Spread returns the level-1 bid/ask spread.
func (s *Snapshot) Spread() float64 {
	return s.AskPrice1 - s.BidPrice1
}

// HasDepth reports whether the snapshot carries any depth beyond level 1.
func (s *Snapshot) HasDepth() bool {
	return s.BidPrice2 != nil || s.AskPrice2 != nil
}

// IsDerivative reports whether the instrument trades open interest, i.e. is
// a futures or options contract rather than a cash equity.
func (s *Snapshot) IsDerivative() bool {
	return s.OpenInterest.IsNumber()
}

// IsETF reports whether the feed publishes an indicative NAV for the
// instrument.
func (s *Snapshot) IsETF() bool {
	return s.IOPV.IsNumber()
}
