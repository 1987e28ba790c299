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
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	JournalOpenFailed  string
	KeysNotConfigured  string
	APIServerError     string

	// Platforms
	PlatformRestored      string
	PlatformRestoreFailed string

	// Instances
	InstancesRestoreFailed string
	BootstrapLoaded        string
	BootstrapFailed        string

	// Services
	SchedulerStarted string

	// Remediations by error code, for codes whose default text is
	// translated.
	Remediations map[string]string
}

var (
	mu          sync.RWMutex
	currentLang = LangEN
	messages    *Messages
)

var messagesEN = Messages{
	Starting:           "hedge-core starting",
	ConfigLoaded:       "configuration loaded",
	UsingDBPath:        "using database %s",
	ServerListening:    "API server listening on %s",
	ShuttingDown:       "shutting down",
	ShutdownComplete:   "shutdown complete",
	ConfigLoadFailed:   "failed to load configuration: %v",
	DBInitFailed:       "failed to open database: %v",
	DBMigrationsFailed: "failed to apply database migrations: %v",
	JournalOpenFailed:  "failed to open event journal: %v",
	KeysNotConfigured:  "MASTER_ENCRYPTION_KEY not set, credentials are stored in plaintext",
	APIServerError:     "API server error: %v",

	PlatformRestored:      "platform %s restored for account %s",
	PlatformRestoreFailed: "failed to restore platform %s for account %s: %v",

	InstancesRestoreFailed: "failed to restore instances: %v",
	BootstrapLoaded:        "loaded %d instances from %s",
	BootstrapFailed:        "failed to bootstrap instances from %s: %v",

	SchedulerStarted: "tick scheduler started",
}

var messagesZH = Messages{
	Starting:           "hedge-core 啟動中",
	ConfigLoaded:       "設定已載入",
	UsingDBPath:        "使用資料庫 %s",
	ServerListening:    "API 伺服器監聽於 %s",
	ShuttingDown:       "正在關閉",
	ShutdownComplete:   "已完成關閉",
	ConfigLoadFailed:   "載入設定失敗：%v",
	DBInitFailed:       "開啟資料庫失敗：%v",
	DBMigrationsFailed: "執行資料庫遷移失敗：%v",
	JournalOpenFailed:  "開啟事件日誌失敗：%v",
	KeysNotConfigured:  "未設定 MASTER_ENCRYPTION_KEY，憑證將以明文儲存",
	APIServerError:     "API 伺服器錯誤：%v",

	PlatformRestored:      "已為帳戶 %[2]s 恢復平台 %[1]s",
	PlatformRestoreFailed: "為帳戶 %[2]s 恢復平台 %[1]s 失敗：%[3]v",

	InstancesRestoreFailed: "恢復策略實例失敗：%v",
	BootstrapLoaded:        "已載入 %d 個實例（%s）",
	BootstrapFailed:        "從 %s 建立實例失敗：%v",

	SchedulerStarted: "排程器已啟動",

	Remediations: map[string]string{
		"INVALID_PARAMETER":       "請修正參數後重新提交",
		"CREDENTIALS_INVALID":     "請確認交易所 API key/secret 及其權限",
		"PLATFORM_NOT_CONFIGURED": "請先為此帳戶註冊平台，再建立實例",
		"EXCHANGE_TIMEOUT":        "請確認交易所可用後重新啟動實例",
		"STATE_PERSISTENCE":       "請檢查狀態目錄的磁碟空間與權限",
		"STATE_CORRUPTION":        "請從備份恢復帳戶狀態或手動修復檔案",
		"BACKUP_NOT_FOUND":        "請列出可用備份並選擇存在的 id",
		"INVALID_STATE":           "請對照交易所檢查持倉狀態，修復後再重新啟動",
		"DUPLICATE_INSTANCE":      "請檢查是否已有相同平台/帳戶/策略/交易對的實例",
		"INSTANCE_NOT_FOUND":      "請列出此帳戶的實例以取得有效 id",
		"PRECONDITION_FAILED":     "請先停止實例再重試",
	},
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	switch lang {
	case LangZH:
		currentLang = LangZH
		messages = &messagesZH
	default:
		currentLang = LangEN
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

// Remediation returns the translated default remediation of code, or
// fallback when the current language has none.
func Remediation(code, fallback string) string {
	if r, ok := M().Remediations[code]; ok {
		return r
	}
	return fallback
}
