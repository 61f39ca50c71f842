package deriv

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotConnected is returned when a request is attempted on a client
	// whose socket is closed or has been marked dead.
	ErrNotConnected = errors.New("deriv: not connected")

	// ErrConnectionFailed is returned once reconnection attempts are
	// exhausted. The client will not dial again until Connect is called
	// explicitly.
	ErrConnectionFailed = errors.New("deriv: connection permanently failed")

	// ErrTimeout is returned when no response frame arrives within the
	// configured window. The socket itself may still be alive.
	ErrTimeout = errors.New("deriv: response timeout")
)

// APIError is an application-level error frame returned by the API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("deriv api error [%s]: %s", e.Code, e.Message)
}

// Transient reports whether the error is worth retrying. Everything else is
// treated as a validation error and surfaced to the caller immediately.
func (e *APIError) Transient() bool {
	if e.Code == "RateLimit" {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "sorry, an error occurred") ||
		strings.Contains(msg, "rate limit")
}

// Candle is a single OHLC bar from a ticks_history candles response.
type Candle struct {
	Epoch int64   `json:"epoch"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Time returns the candle open time.
func (c Candle) Time() time.Time { return time.Unix(c.Epoch, 0) }

// Balance is the account snapshot from a balance request.
type Balance struct {
	Amount   float64 `json:"balance"`
	Currency string  `json:"currency"`
	LoginID  string  `json:"loginid"`
}

// BuyParams describes one contract purchase.
type BuyParams struct {
	Symbol       string
	ContractType string // "CALL" or "PUT"
	Stake        float64
	Duration     int
	DurationUnit string // "t", "s", "m", "h", "d"
	Currency     string
}

// Contract is an open position as returned by buy (or adopted from the
// portfolio during ghost reconciliation).
type Contract struct {
	ContractID   int64
	Symbol       string
	Direction    string // contract type, "CALL" or "PUT"
	Stake        float64
	BuyPrice     float64
	Payout       float64
	PurchaseTime time.Time
	LongCode     string
	IsGhost      bool // recovered via portfolio lookup, not a parsed buy ack
}

// PortfolioContract is one entry of a portfolio response.
type PortfolioContract struct {
	ContractID   int64   `json:"contract_id"`
	Symbol       string  `json:"symbol"`
	ContractType string  `json:"contract_type"`
	BuyPrice     float64 `json:"buy_price"`
	Payout       float64 `json:"payout"`
	PurchaseTime int64   `json:"purchase_time"`
	ExpiryTime   int64   `json:"expiry_time"`
	LongCode     string  `json:"longcode"`
}

// ContractUpdate is one proposal_open_contract frame. The API encodes the
// is_sold / is_expired flags as 0/1 integers.
type ContractUpdate struct {
	ContractID  int64   `json:"contract_id"`
	Status      string  `json:"status"`
	IsSold      int     `json:"is_sold"`
	IsExpired   int     `json:"is_expired"`
	Profit      float64 `json:"profit"`
	BuyPrice    float64 `json:"buy_price"`
	SellPrice   float64 `json:"sell_price"`
	Payout      float64 `json:"payout"`
	CurrentSpot float64 `json:"current_spot"`

	// SubscriptionID is filled from the enclosing frame, not the contract
	// object itself.
	SubscriptionID string `json:"-"`
}

// Finished reports whether the contract reached a terminal state.
func (u *ContractUpdate) Finished() bool {
	return u.IsSold != 0 || u.IsExpired != 0
}

// SellResult is the parsed confirmation of a sell request.
type SellResult struct {
	ContractID    int64   `json:"contract_id"`
	SoldFor       float64 `json:"sold_for"`
	TransactionID int64   `json:"transaction_id"`
}

// frame is the correlation envelope common to every response.
type frame struct {
	MsgType      string          `json:"msg_type"`
	ReqID        int64           `json:"req_id"`
	EchoReq      json.RawMessage `json:"echo_req"`
	Error        *APIError       `json:"error"`
	Subscription *struct {
		ID string `json:"id"`
	} `json:"subscription"`
}

// reqID returns the request id the frame answers, from either the top-level
// field or the echoed request, 0 when neither is present.
func (f *frame) reqID() int64 {
	if f.ReqID != 0 {
		return f.ReqID
	}
	if len(f.EchoReq) == 0 {
		return 0
	}
	var echo struct {
		ReqID int64 `json:"req_id"`
	}
	if err := json.Unmarshal(f.EchoReq, &echo); err != nil {
		return 0
	}
	return echo.ReqID
}
