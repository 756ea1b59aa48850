package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mdgate/mdgate/pkg/md"
)

// inbound is the union probe for all three accepted client message shapes.
// The aid field distinguishes the platform dialect, type the legacy one.
type inbound struct {
	Aid     string          `json:"aid"`
	InsList *string         `json:"ins_list"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// instrumentsPayload is the legacy subscribe/unsubscribe payload.
type instrumentsPayload struct {
	Instruments []string `json:"instruments"`
}

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type messagePayload struct {
	Message string `json:"message"`
}

type marketDataPayload struct {
	Data *md.Snapshot `json:"data"`
}

// aidResponse covers rsp_subscribe_quote and rsp_peek_message.
type aidResponse struct {
	Aid     string `json:"aid"`
	InsList string `json:"ins_list"`
}

// rtnData is the platform-dialect market data frame.
type rtnData struct {
	Aid  string        `json:"aid"`
	Data []rtnDataItem `json:"data"`
}

type rtnDataItem struct {
	Quotes map[string]*Quote `json:"quotes"`
}

// Quote is the flat platform-dialect projection of a snapshot. Fields the
// snapshot does not carry default to zero.
type Quote struct {
	InstrumentID string  `json:"instrument_id"`
	Datetime     string  `json:"datetime"`
	LastPrice    float64 `json:"last_price"`
	Volume       int64   `json:"volume"`
	Amount       float64 `json:"amount"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	BidPrice1    float64 `json:"bid_price1"`
	BidVolume1   int64   `json:"bid_volume1"`
	AskPrice1    float64 `json:"ask_price1"`
	AskVolume1   int64   `json:"ask_volume1"`

	VolumeMultiple int     `json:"volume_multiple"`
	PriceTick      float64 `json:"price_tick"`
	PriceDecs      int     `json:"price_decs"`

	MaxMarketOrderVolume int64   `json:"max_market_order_volume"`
	MinMarketOrderVolume int64   `json:"min_market_order_volume"`
	MaxLimitOrderVolume  int64   `json:"max_limit_order_volume"`
	MinLimitOrderVolume  int64   `json:"min_limit_order_volume"`
	Margin               float64 `json:"margin"`
	Commission           float64 `json:"commission"`

	UpperLimit      float64 `json:"upper_limit"`
	LowerLimit      float64 `json:"lower_limit"`
	PreClose        float64 `json:"pre_close"`
	PreSettlement   float64 `json:"pre_settlement"`
	PreOpenInterest int64   `json:"pre_open_interest"`
	OpenInterest    int64   `json:"open_interest"`
	Close           float64 `json:"close"`
	Settlement      float64 `json:"settlement"`
	Average         float64 `json:"average"`
}

// projectQuote flattens a snapshot into the platform dialect. Contract
// metadata the gateway does not track gets fixed placeholder values.
func projectQuote(snap *md.Snapshot) *Quote {
	return &Quote{
		InstrumentID: snap.InstrumentID,
		Datetime:     snap.Datetime.Format("2006-01-02 15:04:05"),
		LastPrice:    snap.LastPrice,
		Volume:       snap.Volume,
		Amount:       snap.Amount,
		Open:         snap.Open,
		High:         snap.Highest,
		Low:          snap.Lowest,
		BidPrice1:    snap.BidPrice1,
		BidVolume1:   snap.BidVolume1,
		AskPrice1:    snap.AskPrice1,
		AskVolume1:   snap.AskVolume1,

		VolumeMultiple: 1,
		PriceTick:      0.01,
		PriceDecs:      2,

		UpperLimit:      snap.UpperLimit,
		LowerLimit:      snap.LowerLimit,
		PreClose:        snap.PreClose,
		PreSettlement:   snap.PreSettlement.Float64Or(0),
		PreOpenInterest: int64(snap.PreOpenInterest.Float64Or(0)),
		OpenInterest:    int64(snap.OpenInterest.Float64Or(0)),
		Close:           snap.Close.Float64Or(0),
		Settlement:      snap.Settlement.Float64Or(0),
		Average:         snap.Average,
	}
}

func encodeSystem(msg string) []byte {
	return mustJSON(envelope{Type: "system", Payload: messagePayload{Message: msg}})
}

func encodeError(msg string) []byte {
	return mustJSON(envelope{Type: "error", Payload: messagePayload{Message: msg}})
}

func encodePong() []byte {
	return mustJSON(envelope{Type: "pong"})
}

func encodeSubscriptions(instruments []string) []byte {
	return mustJSON(envelope{Type: "subscriptions", Payload: instrumentsPayload{Instruments: instruments}})
}

func encodeMarketData(snap *md.Snapshot) []byte {
	return mustJSON(envelope{Type: "market_data", Payload: marketDataPayload{Data: snap}})
}

func encodeAidResponse(aid string, instruments []string) []byte {
	return mustJSON(aidResponse{Aid: aid, InsList: strings.Join(instruments, ",")})
}

func encodeRtnData(snap *md.Snapshot) []byte {
	return mustJSON(rtnData{
		Aid: "rtn_data",
		Data: []rtnDataItem{{
			Quotes: map[string]*Quote{snap.InstrumentID: projectQuote(snap)},
		}},
	})
}

// mustJSON encodes outbound frames; every outbound type here marshals
// without error.
func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encode outbound frame: %v", err))
	}
	return data
}

// parseInsList splits a comma-joined platform instrument list, dropping
// empty entries.
func parseInsList(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
