package adapter

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mdgate/mdgate/internal/feed"
	"github.com/mdgate/mdgate/pkg/md"
)

// convertDepth builds an immutable snapshot from one native depth frame.
// Frames that cannot be converted are dropped by the caller.
func convertDepth(depth *feed.DepthMarketData) (*md.Snapshot, error) {
	ts, err := parseDatetime(depth.ActionDay, depth.UpdateTime, depth.UpdateMillisec)
	if err != nil {
		return nil, err
	}

	snap := &md.Snapshot{
		InstrumentID: depth.InstrumentID,
		Datetime:     ts,
		LastPrice:    depth.LastPrice,
		Volume:       depth.Volume,
		Amount:       depth.Turnover,
		Open:         depth.OpenPrice,
		Highest:      depth.HighestPrice,
		Lowest:       depth.LowestPrice,
		PreClose:     depth.PreClosePrice,
		UpperLimit:   depth.UpperLimitPrice,
		LowerLimit:   depth.LowerLimitPrice,
		Average:      depth.AveragePrice,
	}

	for name, pair := range map[string]struct {
		src string
		dst *md.OptionalFloat
	}{
		"close":             {depth.ClosePrice, &snap.Close},
		"open_interest":     {depth.OpenInterest, &snap.OpenInterest},
		"pre_open_interest": {depth.PreOpenInterest, &snap.PreOpenInterest},
		"settlement":        {depth.SettlementPrice, &snap.Settlement},
		"pre_settlement":    {depth.PreSettlementPrice, &snap.PreSettlement},
		"iopv":              {depth.IOPV, &snap.IOPV},
	} {
		v, err := parseOptional(pair.src)
		if err != nil {
			return nil, fmt.Errorf("%s field %s: %w", depth.InstrumentID, name, err)
		}
		*pair.dst = v
	}

	if len(depth.Bids) > 0 {
		snap.BidPrice1 = depth.Bids[0].Price
		snap.BidVolume1 = depth.Bids[0].Volume
	}
	if len(depth.Asks) > 0 {
		snap.AskPrice1 = depth.Asks[0].Price
		snap.AskVolume1 = depth.Asks[0].Volume
	}
	setDepthLevels(snap, depth.Bids, depth.Asks)

	return snap, nil
}

// parseOptional maps the feed's text encoding onto the three-way optional:
// empty means the feed omits the field, "-" is the explicit not-applicable
// sentinel, anything else must be a number.
func parseOptional(s string) (md.OptionalFloat, error) {
	switch s {
	case "":
		return md.Absent(), nil
	case "-":
		return md.Dash(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return md.OptionalFloat{}, fmt.Errorf("bad optional value %q", s)
	}
	return md.Value(v), nil
}

// parseDatetime combines the feed's split day/time fields into a UTC
// timestamp.
func parseDatetime(day, clock string, millis int) (time.Time, error) {
	ts, err := time.Parse("20060102 15:04:05", day+" "+clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad datetime %q %q: %w", day, clock, err)
	}
	return ts.Add(time.Duration(millis) * time.Millisecond).UTC(), nil
}

func setDepthLevels(snap *md.Snapshot, bids, asks []feed.Level) {
	bidPrices := []**float64{
		&snap.BidPrice2, &snap.BidPrice3, &snap.BidPrice4, &snap.BidPrice5,
		&snap.BidPrice6, &snap.BidPrice7, &snap.BidPrice8, &snap.BidPrice9, &snap.BidPrice10,
	}
	bidVolumes := []**int64{
		&snap.BidVolume2, &snap.BidVolume3, &snap.BidVolume4, &snap.BidVolume5,
		&snap.BidVolume6, &snap.BidVolume7, &snap.BidVolume8, &snap.BidVolume9, &snap.BidVolume10,
	}
	askPrices := []**float64{
		&snap.AskPrice2, &snap.AskPrice3, &snap.AskPrice4, &snap.AskPrice5,
		&snap.AskPrice6, &snap.AskPrice7, &snap.AskPrice8, &snap.AskPrice9, &snap.AskPrice10,
	}
	askVolumes := []**int64{
		&snap.AskVolume2, &snap.AskVolume3, &snap.AskVolume4, &snap.AskVolume5,
		&snap.AskVolume6, &snap.AskVolume7, &snap.AskVolume8, &snap.AskVolume9, &snap.AskVolume10,
	}

	for i := 0; i < len(bidPrices) && i+1 < len(bids); i++ {
		p, v := bids[i+1].Price, bids[i+1].Volume
		*bidPrices[i] = &p
		*bidVolumes[i] = &v
	}
	for i := 0; i < len(askPrices) && i+1 < len(asks); i++ {
		p, v := asks[i+1].Price, asks[i+1].Volume
		*askPrices[i] = &p
		*askVolumes[i] = &v
	}
}
