// Package brokertest runs an in-process websocket broker speaking the
// same JSON wire protocol as the live venue: req_id correlation, echo_req
// envelopes and proposal_open_contract pushes. Integration tests dial it
// with the real client instead of mocking the transport.
package brokertest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config scripts the simulated venue.
type Config struct {
	LoginID string  // account id reported by authorize, default "VRTC9000"
	Balance float64 // starting balance, default 10000
	Profit  float64 // settlement profit for every contract

	// SettleAfter is how long a contract stays open before the server
	// pushes its terminal frame. Zero settles on the first subscribe.
	SettleAfter time.Duration

	// SwallowBuyAck opens the position but never answers the buy request,
	// reproducing a lost acknowledgement. The contract still shows up in
	// the portfolio, so ghost reconciliation can claim it.
	SwallowBuyAck bool

	// BuyError, when set, refuses every buy with this API error code and
	// message, e.g. "InsufficientBalance".
	BuyError string
}

type contract struct {
	id          int64
	symbol      string
	ctype       string
	stake       float64
	payout      float64
	purchasedAt time.Time
	settled     bool
	profit      float64
}

// Server is one simulated broker endpoint. Safe for concurrent
// connections; all of them share the same account state.
type Server struct {
	cfg Config
	srv *httptest.Server

	mu        sync.Mutex
	contracts map[int64]*contract
	nextID    int64

	buys  atomic.Int64
	sells atomic.Int64
}

// New starts the simulated broker.
func New(cfg Config) *Server {
	if cfg.LoginID == "" {
		cfg.LoginID = "VRTC9000"
	}
	if cfg.Balance == 0 {
		cfg.Balance = 10000
	}
	s := &Server{
		cfg:       cfg,
		contracts: make(map[int64]*contract),
		nextID:    500000,
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the websocket endpoint to dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// Buys counts accepted buy requests, swallowed acks included.
func (s *Server) Buys() int64 { return s.buys.Load() }

// Sells counts accepted sell requests.
func (s *Server) Sells() int64 { return s.sells.Load() }

// OpenContract preloads an open position, as if an earlier process bought
// it age ago. Returns the contract id.
func (s *Server) OpenContract(symbol, ctype string, stake float64, age time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := &contract{
		id:          s.nextID,
		symbol:      symbol,
		ctype:       ctype,
		stake:       stake,
		payout:      stake * 1.95,
		purchasedAt: time.Now().Add(-age),
	}
	s.contracts[c.id] = c
	return c.id
}

// OpenCount reports how many positions are still unsettled.
func (s *Server) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.contracts {
		if !c.settled {
			n++
		}
	}
	return n
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// wsConn serializes writes: request replies and settlement pushes race on
// the same socket.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

func (s *Server) handle(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	wc := &wsConn{conn: conn}
	defer conn.Close()

	for {
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		s.dispatch(wc, req)
	}
}

func (s *Server) dispatch(wc *wsConn, req map[string]any) {
	switch {
	case req["authorize"] != nil:
		s.reply(wc, req, "authorize", map[string]any{
			"authorize": map[string]any{
				"loginid":  s.cfg.LoginID,
				"balance":  s.cfg.Balance,
				"currency": "USD",
			},
		})
	case req["ping"] != nil:
		s.reply(wc, req, "ping", map[string]any{"ping": "pong"})
	case req["balance"] != nil:
		s.reply(wc, req, "balance", map[string]any{
			"balance": map[string]any{
				"balance":  s.cfg.Balance,
				"currency": "USD",
				"loginid":  s.cfg.LoginID,
			},
		})
	case req["ticks_history"] != nil:
		s.replyCandles(wc, req)
	case req["buy"] != nil:
		s.replyBuy(wc, req)
	case req["portfolio"] != nil:
		s.replyPortfolio(wc, req)
	case req["proposal_open_contract"] != nil:
		s.replySubscribe(wc, req)
	case req["forget"] != nil:
		s.reply(wc, req, "forget", map[string]any{"forget": 1})
	case req["sell"] != nil:
		s.replySell(wc, req)
	default:
		s.replyError(wc, req, "UnrecognisedRequest", "unrecognised request")
	}
}

func (s *Server) replyCandles(wc *wsConn, req map[string]any) {
	count := intField(req, "count", 50)
	granularity := intField(req, "granularity", 60)

	now := time.Now().Unix()
	candles := make([]map[string]any, count)
	for i := range candles {
		candles[i] = map[string]any{
			"epoch": now - int64((count-i)*granularity),
			"open":  100.0, "high": 100.5, "low": 99.5, "close": 100.0,
		}
	}
	s.reply(wc, req, "candles", map[string]any{"candles": candles})
}

func (s *Server) replyBuy(wc *wsConn, req map[string]any) {
	if s.cfg.BuyError != "" {
		s.replyError(wc, req, s.cfg.BuyError, "buy refused")
		return
	}

	params, _ := req["parameters"].(map[string]any)
	symbol, _ := params["symbol"].(string)
	ctype, _ := params["contract_type"].(string)
	stake, _ := params["amount"].(float64)

	s.mu.Lock()
	s.nextID++
	c := &contract{
		id:          s.nextID,
		symbol:      symbol,
		ctype:       ctype,
		stake:       stake,
		payout:      stake * 1.95,
		purchasedAt: time.Now(),
	}
	s.contracts[c.id] = c
	s.mu.Unlock()
	s.buys.Add(1)

	if s.cfg.SwallowBuyAck {
		return
	}
	s.reply(wc, req, "buy", map[string]any{
		"buy": map[string]any{
			"contract_id":   c.id,
			"buy_price":     c.stake,
			"payout":        c.payout,
			"purchase_time": c.purchasedAt.Unix(),
			"longcode":      "simulated contract",
		},
	})
}

func (s *Server) replyPortfolio(wc *wsConn, req map[string]any) {
	s.mu.Lock()
	var entries []map[string]any
	for _, c := range s.contracts {
		if c.settled {
			continue
		}
		entries = append(entries, map[string]any{
			"contract_id":   c.id,
			"symbol":        c.symbol,
			"contract_type": c.ctype,
			"buy_price":     c.stake,
			"payout":        c.payout,
			"purchase_time": c.purchasedAt.Unix(),
			"longcode":      "simulated contract",
		})
	}
	s.mu.Unlock()
	if entries == nil {
		entries = []map[string]any{}
	}
	s.reply(wc, req, "portfolio", map[string]any{
		"portfolio": map[string]any{"contracts": entries},
	})
}

func (s *Server) replySubscribe(wc *wsConn, req map[string]any) {
	id := int64(intField(req, "contract_id", 0))

	s.mu.Lock()
	c, ok := s.contracts[id]
	s.mu.Unlock()
	if !ok {
		s.replyError(wc, req, "ContractNotFound", "unknown contract")
		return
	}

	subID := uuid.NewString()
	settleAt := c.purchasedAt.Add(s.cfg.SettleAfter)

	if !time.Now().Before(settleAt) {
		s.settleContract(c)
		s.reply(wc, req, "proposal_open_contract", s.pocPayload(c, subID))
		return
	}

	s.reply(wc, req, "proposal_open_contract", s.pocPayload(c, subID))
	go func() {
		time.Sleep(time.Until(settleAt))
		s.mu.Lock()
		done := c.settled
		s.mu.Unlock()
		if done {
			return
		}
		s.settleContract(c)
		push := s.pocPayload(c, subID)
		push["msg_type"] = "proposal_open_contract"
		_ = wc.write(push)
	}()
}

func (s *Server) settleContract(c *contract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.settled {
		return
	}
	c.settled = true
	c.profit = s.cfg.Profit
}

func (s *Server) pocPayload(c *contract, subID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := "open"
	sold := 0
	sellPrice := 0.0
	if c.settled {
		sold = 1
		sellPrice = c.stake + c.profit
		status = "lost"
		if c.profit > 0 {
			status = "won"
		}
	}
	return map[string]any{
		"proposal_open_contract": map[string]any{
			"contract_id": c.id,
			"status":      status,
			"is_sold":     sold,
			"is_expired":  sold,
			"profit":      c.profit,
			"buy_price":   c.stake,
			"sell_price":  sellPrice,
			"payout":      c.payout,
		},
		"subscription": map[string]any{"id": subID},
	}
}

func (s *Server) replySell(wc *wsConn, req map[string]any) {
	id := int64(numField(req, "sell"))

	s.mu.Lock()
	c, ok := s.contracts[id]
	s.mu.Unlock()
	if !ok {
		s.replyError(wc, req, "InvalidSellContractProposal", "unknown contract")
		return
	}
	s.settleContract(c)
	s.sells.Add(1)

	s.mu.Lock()
	soldFor := c.stake + c.profit
	s.mu.Unlock()
	s.reply(wc, req, "sell", map[string]any{
		"sell": map[string]any{
			"contract_id":    c.id,
			"sold_for":       soldFor,
			"transaction_id": time.Now().UnixNano(),
		},
	})
}

func (s *Server) reply(wc *wsConn, req map[string]any, msgType string, payload map[string]any) {
	payload["msg_type"] = msgType
	payload["req_id"] = req["req_id"]
	payload["echo_req"] = req
	_ = wc.write(payload)
}

func (s *Server) replyError(wc *wsConn, req map[string]any, code, message string) {
	_ = wc.write(map[string]any{
		"msg_type": "error",
		"req_id":   req["req_id"],
		"echo_req": req,
		"error":    map[string]any{"code": code, "message": message},
	})
}

func intField(req map[string]any, key string, def int) int {
	if v, ok := req[key].(float64); ok {
		return int(v)
	}
	return def
}

func numField(req map[string]any, key string) float64 {
	v, _ := req[key].(float64)
	return v
}
