package supervisor

import (
	"strings"
	"time"

	"opsconsole/internal/config"
	"opsconsole/internal/dispatcher"
	"opsconsole/internal/observability"
	"opsconsole/internal/registry"
	"opsconsole/internal/session"
)

// Config holds configuration for the session supervisor.
type Config struct {
	ProbeInterval time.Duration // How often to probe active sessions (default 2s)
	ProbeTimeout  time.Duration // Transport timeout for one probe round trip (default 20s)
	LaunchTimeout time.Duration // Transport timeout for the launch round trip (default 30s)
	DrainSeconds  int           // How long finished sessions hold their active marker (default 2)

	NotifyURL    string   // Webhook destination for lifecycle events, empty disables
	NotifyKey    string   // HMAC key for signing event deliveries, empty = no signing
	NotifyEvents []string // Event type filter, empty allows all
	EventSource  string   // CloudEvents source identifier

	Store      *registry.Store        // Run registry (required)
	Runner     session.Runner         // Execution host transport (required)
	Catalog    *config.Catalog        // Job catalog (required)
	Dispatcher dispatcher.Dispatcher  // Event dispatcher (optional)
	Metrics    *observability.Metrics // Metrics recorder (optional)
}

// LoadConfigFromEnv loads supervisor tunables from environment variables.
// The caller fills in the collaborators before passing the result to New.
func LoadConfigFromEnv() Config {
	var events []string
	if list := config.GetEnv("NOTIFY_EVENTS", ""); list != "" {
		for _, e := range strings.Split(list, ",") {
			if e = strings.TrimSpace(e); e != "" {
				events = append(events, e)
			}
		}
	}

	return Config{
		ProbeInterval: config.GetDurationEnv("PROBE_INTERVAL", 2*time.Second),
		ProbeTimeout:  config.GetDurationEnv("PROBE_TIMEOUT", 20*time.Second),
		LaunchTimeout: config.GetDurationEnv("LAUNCH_TIMEOUT", 30*time.Second),
		DrainSeconds:  config.GetIntEnv("SESSION_DRAIN_SECONDS", 2),
		NotifyURL:     config.GetEnv("NOTIFY_URL", ""),
		NotifyKey:     config.GetEnv("NOTIFY_KEY", ""),
		NotifyEvents:  events,
		EventSource:   config.GetEnv("EVENT_SOURCE", "opsconsole/service"),
	}
}
