package main

import (
	"fmt"

	"lorekeeper/internal/infra/config"
)

// quickFlags configure a single provider from the command line, bypassing
// the providers section of the config file.
type quickFlags struct {
	Provider string
	Model    string
	APIKey   string
}

func (q quickFlags) set() bool {
	return q.Provider != "" || q.Model != "" || q.APIKey != ""
}

// apply makes the flagged provider the default, replacing any configured
// provider of the same name.
func (q quickFlags) apply(cfg *config.Config) error {
	if !q.set() {
		return nil
	}
	if q.Provider == "" || q.APIKey == "" {
		return fmt.Errorf("--provider and --key must be specified together")
	}

	pc := config.ProviderConfig{
		Name:   q.Provider,
		Type:   q.Provider,
		Model:  q.Model,
		APIKey: q.APIKey,
	}
	replaced := false
	for i := range cfg.LLM.Providers {
		if cfg.LLM.Providers[i].Name == pc.Name {
			cfg.LLM.Providers[i] = pc
			replaced = true
		}
	}
	if !replaced {
		cfg.LLM.Providers = append(cfg.LLM.Providers, pc)
	}
	cfg.LLM.DefaultProvider = pc.Name

	return config.Validate(cfg)
}
