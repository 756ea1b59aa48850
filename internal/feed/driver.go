// Package feed defines the contract between the gateway and a native market
// data library. A Driver owns one connection to one front; the gateway only
// sees its request methods and the Callbacks it fires from its own I/O
// threads.
package feed

import "fmt"

// Fixed buffer sizes of the native login request. The ABI fixes these; the
// adapter truncates and NUL-terminates anything longer.
const (
	BrokerIDLen = 11
	UserIDLen   = 16
	PasswordLen = 41
)

// LoginRequest mirrors the native login struct: fixed-size, NUL-terminated
// byte fields.
type LoginRequest struct {
	BrokerID [BrokerIDLen]byte
	UserID   [UserIDLen]byte
	Password [PasswordLen]byte
}

// DisconnectReason is the reason code the native library reports when the
// front connection drops.
type DisconnectReason int

const (
	DisconnectUnknown DisconnectReason = iota
	DisconnectReadError
	DisconnectWriteError
	DisconnectHeartbeatTimeout
	DisconnectRemoteClose
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectReadError:
		return "read error"
	case DisconnectWriteError:
		return "write error"
	case DisconnectHeartbeatTimeout:
		return "heartbeat timeout"
	case DisconnectRemoteClose:
		return "closed by remote"
	default:
		return "unknown"
	}
}

// RspError is the error payload attached to native response callbacks.
type RspError struct {
	Code    int
	Message string
}

func (e *RspError) Error() string {
	return fmt.Sprintf("feed error %d: %s", e.Code, e.Message)
}

// RspUserLogin carries the fields of a successful login response.
type RspUserLogin struct {
	TradingDay string
	LoginTime  string
	BrokerID   string
	UserID     string
}

// Level is one side of one depth level.
type Level struct {
	Price  float64
	Volume int64
}

// DepthMarketData mirrors one native depth frame. The optional numeric
// fields arrive as text: a number, the sentinel "-", or empty when the feed
// omits the field; the adapter preserves that distinction downstream.
type DepthMarketData struct {
	InstrumentID   string
	ActionDay      string // "20221104"
	UpdateTime     string // "14:32:15"
	UpdateMillisec int

	LastPrice float64
	Volume    int64
	Turnover  float64

	OpenPrice       float64
	HighestPrice    float64
	LowestPrice     float64
	PreClosePrice   float64
	UpperLimitPrice float64
	LowerLimitPrice float64
	AveragePrice    float64

	// Up to ten levels per side; futures fronts fill five.
	Bids []Level
	Asks []Level

	ClosePrice         string
	OpenInterest       string
	PreOpenInterest    string
	SettlementPrice    string
	PreSettlementPrice string
	IOPV               string
}

// Callbacks is the interface the native library fires from its own I/O
// threads. Implementations must not block: package the arguments and hand
// them off.
type Callbacks interface {
	OnFrontConnected()
	OnFrontDisconnected(reason DisconnectReason)
	OnRspUserLogin(login *RspUserLogin, rspErr *RspError)
	OnRspSubMarketData(instrument string, rspErr *RspError, isLast bool)
	OnRspUnSubMarketData(instrument string, rspErr *RspError, isLast bool)
	OnRtnDepthMarketData(depth *DepthMarketData)
	OnRspError(rspErr *RspError)
}

// Driver is one native feed handle. Request methods are synchronous and may
// block briefly; results arrive via Callbacks.
type Driver interface {
	RegisterCallbacks(cb Callbacks)
	RegisterFront(addr string)
	// Init starts the connect loop; OnFrontConnected fires when the TCP
	// session is up.
	Init() error
	Login(req *LoginRequest) error
	SubscribeMarketData(codes []string) error
	UnsubscribeMarketData(codes []string) error
	// Release tears the handle down; no callbacks fire afterwards.
	Release()
}
