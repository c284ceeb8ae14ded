package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// config collects every option from SPEC_FULL section 6's
// configuration table, given field-level defaults here and
// overridable by an optional TOML file and then by command-line flags
// (flags win), mirroring the teacher's layered config precedent in
// fs/config (defaults -> config file -> flag overrides).
type config struct {
	ThreadPoolSize           string        `toml:"thread_pool_size"` // "R:W" or "N"
	TempDirectory            string        `toml:"temp_directory"`
	MaximumFilesPerDirectory int           `toml:"maximum_files_per_directory"`
	RequestQueueMaxSize      int           `toml:"request_queue_max_size"`
	LowWaterMark             int           `toml:"low_water_mark"`
	DataLoadWaitTime         time.Duration `toml:"data_load_wait_time"`
	DataPollSleepTime        time.Duration `toml:"data_poll_sleep_time"`
	OnlineCheckInterval      time.Duration `toml:"online_check_interval"`
	Debug                    bool          `toml:"debug"`
	SQLDebug                 bool          `toml:"sql_debug"`
	ThreadDebug              bool          `toml:"thread_debug"`

	QueueDBPath string `toml:"queue_db_path"`
	ObjectRoot  string `toml:"object_root"`
	MetricsAddr string `toml:"metrics_addr"`
}

func defaultConfig() config {
	return config{
		ThreadPoolSize:           "4:4",
		TempDirectory:            "./jfilecached-data/temp",
		MaximumFilesPerDirectory: 500,
		RequestQueueMaxSize:      5000,
		LowWaterMark:             50,
		DataLoadWaitTime:         20 * time.Second,
		DataPollSleepTime:        250 * time.Millisecond,
		OnlineCheckInterval:      5 * time.Minute,
		QueueDBPath:              "./jfilecached-data/queue.db",
		ObjectRoot:               "./jfilecached-data/objects",
		MetricsAddr:              ":9109",
	}
}

// loadConfigFile overlays a TOML file's values onto cfg; a missing
// path is not an error, since the compiled-in defaults are a complete
// configuration on their own.
func loadConfigFile(cfg *config, path string) error {
	if path == "" {
		return nil
	}
	_, err := toml.DecodeFile(path, cfg)
	return err
}

// readWriteWorkers parses ThreadPoolSize's "R:W" or "N" forms (spec 6),
// clamping each side to the documented 1..50 range.
func readWriteWorkers(spec string) (read, write int, err error) {
	var r, w int
	if n, scanErr := fmt.Sscanf(spec, "%d:%d", &r, &w); scanErr == nil && n == 2 {
		return clampWorkers(r), clampWorkers(w), nil
	}
	if n, scanErr := fmt.Sscanf(spec, "%d", &r); scanErr == nil && n == 1 {
		return clampWorkers(r), clampWorkers(r), nil
	}
	return 0, 0, fmt.Errorf("invalid thread_pool_size %q, want \"R:W\" or \"N\"", spec)
}

func clampWorkers(n int) int {
	if n < 1 {
		return 1
	}
	if n > 50 {
		return 50
	}
	return n
}
