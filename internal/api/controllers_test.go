package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bot-core/internal/balance"
	"bot-core/internal/engine"
	"bot-core/internal/events"
	"bot-core/internal/history"
	"bot-core/internal/monitor"
	"bot-core/pkg/crypto"
	"bot-core/pkg/db"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const testJWTSecret = "test-secret"

// stubEngine scripts orchestrator responses so handler tests never spin
// up real sessions.
type stubEngine struct {
	startResult engine.Result
	stopResult  engine.Result
	status      engine.SessionStatus
	hasStatus   bool

	lastUserID string
	lastParams engine.StartParams
}

func (e *stubEngine) Start(ctx context.Context, userID string, p engine.StartParams) engine.Result {
	e.lastUserID = userID
	e.lastParams = p
	return e.startResult
}

func (e *stubEngine) Stop(ctx context.Context, userID string) engine.Result {
	e.lastUserID = userID
	return e.stopResult
}

func (e *stubEngine) Restart(ctx context.Context, userID string) engine.Result {
	e.lastUserID = userID
	return e.startResult
}

func (e *stubEngine) StopAll(ctx context.Context) {}

func (e *stubEngine) Status(userID string) (engine.SessionStatus, bool) {
	return e.status, e.hasStatus
}

func (e *stubEngine) Sessions() []engine.SessionStatus {
	if !e.hasStatus {
		return nil
	}
	return []engine.SessionStatus{e.status}
}

func (e *stubEngine) Stats() engine.OrchestratorStats {
	return engine.OrchestratorStats{MaxBots: 50}
}

type apiFixture struct {
	server *Server
	eng    *stubEngine
	db     *db.Database
	keys   *crypto.KeyManager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	material, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keys, err := crypto.NewKeyManager("v1="+material, "v1")
	if err != nil {
		t.Fatalf("key manager: %v", err)
	}

	hist := history.NewService(database, history.Config{WriteRetries: 1, RetryDelay: time.Millisecond, FlushEvery: 10 * time.Millisecond})
	t.Cleanup(func() { hist.Close() })

	eng := &stubEngine{
		startResult: engine.Result{Success: true, Message: "bot started", Status: engine.StatusRunning},
		stopResult:  engine.Result{Success: true, Message: "bot stopped", Status: engine.StatusStopped},
	}

	server := NewServer(
		events.NewBus(),
		database,
		eng,
		nil,
		balance.NewMultiUserManager(func(userID string) (*balance.Manager, error) {
			return nil, nil
		}),
		hist,
		monitor.NewSystemMetrics(),
		keys,
		SystemMeta{Venue: "test", Version: "test"},
		testJWTSecret,
	)
	return &apiFixture{server: server, eng: eng, db: database, keys: keys}
}

func (fx *apiFixture) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	fx.server.Router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

// seedUser creates a user row directly and returns (userID, token).
func (fx *apiFixture) seedUser(t *testing.T) (string, string) {
	t.Helper()
	id := uuid.NewString()
	err := fx.db.CreateUser(context.Background(), db.User{
		ID:           id,
		Email:        id + "@test.local",
		PasswordHash: "x",
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, err := generateToken(id, testJWTSecret, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return id, token
}

func TestRegisterAndLogin(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.request(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":    "trader@example.com",
		"password": "hunter22",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d: %s", rec.Code, rec.Body.String())
	}

	rec = fx.request(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":    "trader@example.com",
		"password": "hunter22",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register = %d, want 409", rec.Code)
	}

	rec = fx.request(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"email":    "trader@example.com",
		"password": "hunter22",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", rec.Code, rec.Body.String())
	}
	token, _ := decode(t, rec)["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}

	rec = fx.request(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"email":    "trader@example.com",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password login = %d, want 401", rec.Code)
	}

	// The issued token works against protected routes.
	rec = fx.request(t, http.MethodGet, "/api/stats", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats with fresh token = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterRejectsBadEmail(t *testing.T) {
	fx := newAPIFixture(t)
	rec := fx.request(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":    "not-an-email",
		"password": "hunter22",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("register = %d, want 400", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	fx := newAPIFixture(t)
	for _, path := range []string{"/api/bot/status", "/api/trades", "/api/stats", "/api/balance"} {
		rec := fx.request(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token = %d, want 401", path, rec.Code)
		}
	}
	rec := fx.request(t, http.MethodPost, "/api/bot/start", "garbage.token.here", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("start with garbage token = %d, want 401", rec.Code)
	}
}

func TestStartBotPassesParams(t *testing.T) {
	fx := newAPIFixture(t)
	userID, token := fx.seedUser(t)

	rec := fx.request(t, http.MethodPost, "/api/bot/start", token, gin.H{
		"strategy": "scalping",
		"symbols":  []string{"R_50"},
		"stake":    2.5,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body.String())
	}
	if fx.eng.lastUserID != userID {
		t.Fatalf("engine saw user %q, want %q", fx.eng.lastUserID, userID)
	}
	if fx.eng.lastParams.Strategy != "scalping" || fx.eng.lastParams.Stake != 2.5 {
		t.Fatalf("params = %+v", fx.eng.lastParams)
	}
}

func TestStartBotRejectsUnknownStrategy(t *testing.T) {
	fx := newAPIFixture(t)
	_, token := fx.seedUser(t)

	rec := fx.request(t, http.MethodPost, "/api/bot/start", token, gin.H{
		"strategy": "martingale-doubler",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("start = %d, want 400", rec.Code)
	}
	if decode(t, rec)["code"] != "UNKNOWN_STRATEGY" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestBotControlMapsRejectionToConflict(t *testing.T) {
	fx := newAPIFixture(t)
	_, token := fx.seedUser(t)

	fx.eng.startResult = engine.Result{Success: false, Message: "bot is already running", Status: engine.StatusRunning}
	rec := fx.request(t, http.MethodPost, "/api/bot/start", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("refused start = %d, want 409", rec.Code)
	}
	if decode(t, rec)["message"] != "bot is already running" {
		t.Fatalf("body = %s", rec.Body.String())
	}

	fx.eng.stopResult = engine.Result{Success: false, Message: "bot is not running", Status: engine.StatusStopped}
	rec = fx.request(t, http.MethodPost, "/api/bot/stop", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("refused stop = %d, want 409", rec.Code)
	}
}

func TestBotStatusNotFound(t *testing.T) {
	fx := newAPIFixture(t)
	_, token := fx.seedUser(t)

	rec := fx.request(t, http.MethodGet, "/api/bot/status", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	fx.eng.hasStatus = true
	fx.eng.status = engine.SessionStatus{UserID: "u1", Status: engine.StatusRunning, Strategy: "rsi"}
	rec = fx.request(t, http.MethodGet, "/api/bot/status", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if decode(t, rec)["strategy"] != "rsi" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestGetTradesReturnsOwnRowsOnly(t *testing.T) {
	fx := newAPIFixture(t)
	userID, token := fx.seedUser(t)
	otherID, _ := fx.seedUser(t)

	now := time.Now()
	for i, uid := range []string{userID, otherID} {
		err := fx.db.InsertTrade(context.Background(), db.Trade{
			ID:          uuid.NewString(),
			UserID:      uid,
			ContractID:  int64(1000 + i),
			Symbol:      "R_10",
			Direction:   "CALL",
			Stake:       1,
			BuyPrice:    1,
			Payout:      1.95,
			Profit:      0.95,
			Status:      "win",
			ClosureType: "expiry",
			OpenedAt:    now.Add(-time.Minute),
			ClosedAt:    now,
		})
		if err != nil {
			t.Fatalf("insert trade: %v", err)
		}
	}

	rec := fx.request(t, http.MethodGet, "/api/trades", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("trades = %d: %s", rec.Code, rec.Body.String())
	}
	var trades []db.Trade
	if err := json.Unmarshal(rec.Body.Bytes(), &trades); err != nil {
		t.Fatalf("decode trades: %v", err)
	}
	if len(trades) != 1 || trades[0].UserID != userID {
		t.Fatalf("trades = %+v, want exactly the caller's row", trades)
	}
}

func TestGetDailyStatsValidatesDays(t *testing.T) {
	fx := newAPIFixture(t)
	_, token := fx.seedUser(t)

	rec := fx.request(t, http.MethodGet, "/api/stats/daily?days=0", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("days=0 = %d, want 400", rec.Code)
	}
	rec = fx.request(t, http.MethodGet, "/api/stats/daily?days=7", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("days=7 = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetBalanceWithoutTracker(t *testing.T) {
	fx := newAPIFixture(t)
	_, token := fx.seedUser(t)

	rec := fx.request(t, http.MethodGet, "/api/balance", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("balance = %d, want 404", rec.Code)
	}
}

func TestUpdateTokenEncryptsAtRest(t *testing.T) {
	fx := newAPIFixture(t)
	userID, token := fx.seedUser(t)

	rec := fx.request(t, http.MethodPut, "/api/token", token, gin.H{
		"api_token": "a1-SECRETBROKERTOKEN",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update token = %d: %s", rec.Code, rec.Body.String())
	}

	user, err := fx.db.GetUserByID(context.Background(), userID)
	if err != nil || user == nil {
		t.Fatalf("get user: %v", err)
	}
	if user.APITokenEncrypted == "" || user.APITokenEncrypted == "a1-SECRETBROKERTOKEN" {
		t.Fatalf("token stored as %q, want ciphertext", user.APITokenEncrypted)
	}
	if user.KeyVersion != 1 {
		t.Fatalf("key version = %d, want 1", user.KeyVersion)
	}
	plaintext, err := fx.keys.Decrypt(user.APITokenEncrypted)
	if err != nil || plaintext != "a1-SECRETBROKERTOKEN" {
		t.Fatalf("decrypt = %q, %v", plaintext, err)
	}
}

func TestUpdateTokenRejectsEmpty(t *testing.T) {
	fx := newAPIFixture(t)
	_, token := fx.seedUser(t)

	rec := fx.request(t, http.MethodPut, "/api/token", token, gin.H{"api_token": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty token = %d, want 400", rec.Code)
	}
}

func TestSystemStatusIsPublic(t *testing.T) {
	fx := newAPIFixture(t)
	rec := fx.request(t, http.MethodGet, "/api/system/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("system status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["venue"] != "test" {
		t.Fatalf("body = %s", rec.Body.String())
	}

	rec = fx.request(t, http.MethodGet, "/api/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
}

func TestGetStrategiesListsRegistry(t *testing.T) {
	fx := newAPIFixture(t)
	_, token := fx.seedUser(t)

	rec := fx.request(t, http.MethodGet, "/api/strategies", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("strategies = %d", rec.Code)
	}
	names, _ := decode(t, rec)["strategies"].([]any)
	if len(names) < 5 {
		t.Fatalf("strategies = %v, want the full registry", names)
	}
}
