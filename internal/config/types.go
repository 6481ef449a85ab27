package config

// Config is the daemon configuration.
//
// All durations are Go duration strings (e.g. "30m", "1h").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Trigger TriggerConfig `json:"trigger"`
	Notify  NotifyConfig  `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path string `json:"path"`

	// BusyTimeout is a Go duration string; empty means the driver default.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TriggerConfig controls the daily execution trigger.
//
// Hour is a pointer so an explicit 0 (midnight) is distinguishable from an
// omitted field, which defaults to 4.
type TriggerConfig struct {
	Hour     *int   `json:"hour,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Recheck  string `json:"recheck,omitempty"`
}

type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	DaysAhead  int    `json:"days_ahead,omitempty"`
}
