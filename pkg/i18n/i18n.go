package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	ShutdownComplete   string
	DryRunMode         string
	LiveMode           string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	EncryptionDisabled string
	LicenseInvalid     string
	APIServerError     string
	MetricsInit        string
	OrchestratorInit   string

	// Bots
	BotStarted      string
	BotStopped      string
	BotStartFailed  string
	StoppingAllBots string
	AllBotsStopped  string

	// Trades
	TradeOpened       string
	TradeSettled      string
	GhostAdopted      string
	SettlementUnknown string

	// Risk
	TradeLockHeld         string
	CircuitBreakerTripped string
	DailyLossLimitReached string
	EngineHalted          string

	// Services
	GatewayPoolStarted string
	ReconStarted       string
	AlerterStarted     string
	HistoryFlushFailed string
	PresetsLoaded      string
	PresetsLoadFailed  string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting bot-core execution engine...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDBPath:        "Using DB path: %s",
	ServerListening:    "Server listening on :%s",
	ShuttingDown:       "Shutting down gracefully...",
	ShutdownComplete:   "Shutdown complete.",
	DryRunMode:         "Running in DRY-RUN mode (contracts will NOT hit the broker)",
	LiveMode:           "Running in LIVE mode against %s",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	EncryptionDisabled: "Token encryption disabled: %v (stored broker tokens will be rejected)",
	LicenseInvalid:     "License check failed: %v",
	APIServerError:     "API server error: %v",
	MetricsInit:        "System metrics initialized",
	OrchestratorInit:   "Bot orchestrator initialized (max %d bots)",

	// Bots
	BotStarted:      "Bot started for user %s (strategy: %s)",
	BotStopped:      "Bot stopped for user %s",
	BotStartFailed:  "Bot start failed for user %s: %s",
	StoppingAllBots: "Stopping all bots...",
	AllBotsStopped:  "All bots stopped.",

	// Trades
	TradeOpened:       "Trade opened: %s %s stake %.2f (contract %d)",
	TradeSettled:      "Trade settled: contract %d profit %+.2f",
	GhostAdopted:      "Ghost contract adopted: %d (%s)",
	SettlementUnknown: "Settlement unknown for contract %d, booked as loss",

	// Risk
	TradeLockHeld:         "Trade lock held: %s (contract %d)",
	CircuitBreakerTripped: "Circuit breaker tripped until %s: %s",
	DailyLossLimitReached: "Daily loss limit reached (LIMIT)",
	EngineHalted:          "Risk engine halted: %s",

	// Services
	GatewayPoolStarted: "Broker gateway pool started",
	ReconStarted:       "Reconciliation service started",
	AlerterStarted:     "Alerter started",
	HistoryFlushFailed: "Trade history flush failed: %v",
	PresetsLoaded:      "Loaded %d strategy presets from %s",
	PresetsLoadFailed:  "Failed to load strategy presets: %v",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "啟動 bot-core 交易執行引擎...",
	ConfigLoaded:       "設定已載入（埠號：%s）",
	UsingDBPath:        "使用資料庫路徑：%s",
	ServerListening:    "服務監聽於 :%s",
	ShuttingDown:       "正在優雅關閉...",
	ShutdownComplete:   "關閉完成。",
	DryRunMode:         "DRY-RUN 模式（不會送出真實合約）",
	LiveMode:           "LIVE 模式，連線至 %s",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	EncryptionDisabled: "代幣加密已停用：%v（已儲存的券商代幣將被拒絕）",
	LicenseInvalid:     "授權驗證失敗：%v",
	APIServerError:     "API 伺服器錯誤：%v",
	MetricsInit:        "系統指標初始化完成",
	OrchestratorInit:   "機器人調度器初始化完成（上限 %d 台）",

	// Bots
	BotStarted:      "使用者 %s 的機器人已啟動（策略：%s）",
	BotStopped:      "使用者 %s 的機器人已停止",
	BotStartFailed:  "使用者 %s 的機器人啟動失敗：%s",
	StoppingAllBots: "正在停止所有機器人...",
	AllBotsStopped:  "所有機器人已停止。",

	// Trades
	TradeOpened:       "開倉：%s %s 投注 %.2f（合約 %d）",
	TradeSettled:      "結算完成：合約 %d 損益 %+.2f",
	GhostAdopted:      "已接管幽靈合約：%d（%s）",
	SettlementUnknown: "合約 %d 結算結果不明，以虧損入帳",

	// Risk
	TradeLockHeld:         "交易鎖持有中：%s（合約 %d）",
	CircuitBreakerTripped: "熔斷器已觸發，至 %s：%s",
	DailyLossLimitReached: "已達每日虧損上限（LIMIT）",
	EngineHalted:          "風控引擎已停機：%s",

	// Services
	GatewayPoolStarted: "券商通道連線池已啟動",
	ReconStarted:       "對帳服務已啟動",
	AlerterStarted:     "告警服務已啟動",
	HistoryFlushFailed: "交易歷史寫入失敗：%v",
	PresetsLoaded:      "已載入 %d 組策略預設（來源：%s）",
	PresetsLoadFailed:  "讀取策略預設失敗：%v",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
