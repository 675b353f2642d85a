package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go duration strings.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Notifier   NotifierConfig   `json:"notifier"`
	Directory  DirectoryConfig  `json:"directory"`
	API        APIConfig        `json:"api"`
	Pprof      PprofConfig      `json:"pprof"`
}

type TelegramConfig struct {
	Enabled         bool   `json:"enabled"`
	Token           string `json:"token"`
	PollTimeout     string `json:"poll_timeout"`
	AlertChatID     int64  `json:"alert_chat_id"`
	DefaultLanguage string `json:"default_language"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
	Alert struct {
		Enabled    bool   `json:"enabled"`
		MinLevel   string `json:"min_level"`
		RatePerSec int    `json:"rate_per_sec"`
	} `json:"alert"`
}

type StorageConfig struct {
	// Driver: memory | file | sqlite | postgres. Empty means memory.
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout"`
}

type SchedulerConfig struct {
	WarnLead        string    `json:"warn_lead"`
	DigestAt        string    `json:"digest_at"`
	GraceWindow     string    `json:"grace_window"`
	DropAfter       string    `json:"drop_after"`
	SweepSpec       string    `json:"sweep_spec"`
	StoreTimeout    string    `json:"store_timeout"`
	DeliveryTimeout string    `json:"delivery_timeout"`
	Templates       Templates `json:"templates"`
}

// Templates are fmt strings with a single %s for the reminder message.
type Templates struct {
	Warning string `json:"warning"`
	Exact   string `json:"exact"`
	Digest  string `json:"digest"`
}

type TaskEngineConfig struct {
	Workers       int     `json:"workers"`
	QueueSize     int     `json:"queue_size"`
	MaxQueueDelay string  `json:"max_queue_delay"`
	HistorySize   int     `json:"history_size"`
	RetryMax      int     `json:"retry_max"`
	RetryBase     string  `json:"retry_base"`
	RetryMaxDelay string  `json:"retry_max_delay"`
	RetryJitter   float64 `json:"retry_jitter"`
}

type NotifierConfig struct {
	RatePerSec  float64 `json:"rate_per_sec"`
	Burst       int     `json:"burst"`
	SendTimeout string  `json:"send_timeout"`

	// Identical operator alerts inside this window are sent once.
	AlertDedupWindow string `json:"alert_dedup_window"`
}

type DirectoryConfig struct {
	Path string `json:"path"`
}

type APIConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr"`
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
}

// PprofConfig controls the debug listener. It can be toggled without a restart.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr"`
	BlockProfileRate     int    `json:"block_profile_rate"`
	MutexProfileFraction int    `json:"mutex_profile_fraction"`
}
