// Package config provides configuration loading from environment variables
// and the YAML job catalog.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the console service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	CatalogFile       string        // YAML job catalog path; empty uses the built-in catalog
	RegistryDB        string        // SQLite database path for the run registry
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	apiKey := GetSecretFile(GetEnv("API_KEY_FILE", ""))
	if apiKey == "" {
		apiKey = GetEnv("API_KEY", "")
	}
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            apiKey,
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		CatalogFile:       GetEnv("CATALOG_FILE", ""),
		RegistryDB:        GetEnv("REGISTRY_DB", "opsconsole.db"),
	}
}
