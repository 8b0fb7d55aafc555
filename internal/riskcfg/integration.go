package riskcfg

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// OverrideStrategy selects how divergent stop-loss views are resolved.
type OverrideStrategy string

const (
	// MostProtective picks the stop closest to current price on the adverse
	// side: max of the candidates for LONG, min for SHORT.
	MostProtective OverrideStrategy = "most_protective"
	// TrailingPriority lets an activated trailing stop win outright.
	TrailingPriority OverrideStrategy = "trailing_priority"
	// FixedPriority lets the risk calculator's static stop win.
	FixedPriority OverrideStrategy = "fixed_priority"
)

// IntegrationConfig controls the reconciliation coordinator.
type IntegrationConfig struct {
	SyncStopLoss         bool             `yaml:"sync_stop_loss"`
	OverrideStrategy     OverrideStrategy `yaml:"override_strategy"`
	NotifyConflicts      bool             `yaml:"notify_conflicts"`
	AutoResolveConflicts bool             `yaml:"auto_resolve_conflicts"`
}

// DefaultIntegrationConfig returns the generated defaults.
func DefaultIntegrationConfig() IntegrationConfig {
	return IntegrationConfig{
		SyncStopLoss:         true,
		OverrideStrategy:     MostProtective,
		NotifyConflicts:      true,
		AutoResolveConflicts: true,
	}
}

// Validate rejects unknown override strategies.
func (c *IntegrationConfig) Validate() error {
	switch c.OverrideStrategy {
	case MostProtective, TrailingPriority, FixedPriority:
		return nil
	default:
		return fmt.Errorf("unknown override_strategy %q", c.OverrideStrategy)
	}
}

// LoadIntegration reads the integration document, generating defaults when
// the file is absent or corrupt.
func LoadIntegration(path string) IntegrationConfig {
	def := DefaultIntegrationConfig()
	if path == "" {
		return def
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if out, merr := yaml.Marshal(def); merr == nil {
				if werr := os.WriteFile(path, out, 0o644); werr != nil {
					log.Printf("integration config: persist defaults to %s failed: %v", path, werr)
				}
			}
		} else {
			log.Printf("integration config: read %s failed, using defaults: %v", path, err)
		}
		return def
	}

	var cfg IntegrationConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Printf("integration config: decode %s failed, using defaults: %v", path, err)
		return def
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("integration config: %s invalid, using defaults: %v", path, err)
		return def
	}
	return cfg
}
