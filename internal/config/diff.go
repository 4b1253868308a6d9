package config

import (
	"reflect"
	"sort"
	"strings"

	"automoth/pkg/logx"
)

// SummarizeConfigChange lists the changed sections and returns safe
// fields for logging (tokens are reported as set/unset only). The third
// result lists sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.remote_enabled", newCfg.Logging.Remote.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.root", strings.TrimSpace(newCfg.Storage.Root)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Camera, newCfg.Camera) {
		changed = append(changed, "camera")
		restart = append(restart, "camera")
		attrs = append(attrs, logx.String("camera.driver", newCfg.Camera.Driver))
	}

	if oldCfg.Location != newCfg.Location {
		changed = append(changed, "location")
		restart = append(restart, "location")
		attrs = append(attrs, logx.String("location.driver", newCfg.Location.Driver))
	}

	if oldCfg.Imaging != newCfg.Imaging {
		changed = append(changed, "imaging")
		restart = append(restart, "imaging")
		attrs = append(attrs, logx.String("imaging.defaults_path", newCfg.Imaging.DefaultsPath))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.reconcile_every", strings.TrimSpace(newCfg.Scheduler.ReconcileEvery)),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		restart = append(restart, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
			logx.Int("task_engine.retry_max", newCfg.TaskEngine.RetryMax),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		restart = append(restart, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	oldN := derefNotifier(oldCfg.Notifier)
	newN := derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(newN.Token) != ""),
			logx.Int64("notifier.chat_id", newN.ChatID),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}
