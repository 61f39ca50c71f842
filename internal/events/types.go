package events

import "time"

// Event enumerates high-level topics inside the bot core.
type Event string

const (
	EventBotStatus    Event = "bot_status"
	EventSignal       Event = "signal"
	EventTradeOpened  Event = "trade_opened"
	EventTradeClosed  Event = "trade_closed"
	EventLockActive   Event = "trade_lock_active"
	EventLockReleased Event = "trade_lock_released"
	EventStatistics   Event = "statistics"
	EventNotification Event = "notification"
	EventError        Event = "error"

	// EventAll receives every topic. Subscribe-only; never published as a
	// message type.
	EventAll Event = "*"
)

// Message is the envelope every event travels in. UserID routes the message
// to the owning user's stream; consumers for other users drop it.
type Message struct {
	Type    Event     `json:"type"`
	UserID  string    `json:"user_id"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Notification is the payload for EventNotification.
type Notification struct {
	Level   string `json:"level"` // info, warning, critical
	Title   string `json:"title"`
	Message string `json:"message"`
}

// ErrorInfo is the payload for EventError. Scope names the component that
// failed.
type ErrorInfo struct {
	Scope string `json:"scope"`
	Error string `json:"error"`
}

// BotStatus is the payload for EventBotStatus.
type BotStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// SignalInfo is the payload for EventSignal.
type SignalInfo struct {
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	Strategy   string  `json:"strategy,omitempty"`
}

// TradeOpened is the payload for EventTradeOpened.
type TradeOpened struct {
	ContractID int64   `json:"contract_id"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Stake      float64 `json:"stake"`
	BuyPrice   float64 `json:"buy_price"`
	Payout     float64 `json:"payout"`
	DryRun     bool    `json:"dry_run,omitempty"`
}

// LockInfo is the payload for the trade lock events.
type LockInfo struct {
	Symbol     string `json:"symbol"`
	ContractID int64  `json:"contract_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// TradeClosed is the payload for EventTradeClosed.
type TradeClosed struct {
	ContractID int64   `json:"contract_id"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Outcome    string  `json:"outcome"`
	Profit     float64 `json:"profit"`
	ExitReason string  `json:"exit_reason,omitempty"`
	EarlyClose bool    `json:"early_close,omitempty"`
	DailyPnL   float64 `json:"daily_pnl"`
}
