package strategy

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Config is one instance entry of the bootstrap YAML file.
type Config struct {
	Account    string         `yaml:"account"`
	Platform   string         `yaml:"platform"`
	Strategy   string         `yaml:"strategy"`
	Symbol     string         `yaml:"symbol"`
	Start      bool           `yaml:"start"`
	Parameters map[string]any `yaml:"parameters"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Instances []Config `yaml:"instances"`
}

// LoadConfig reads bootstrap instances from a YAML file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, c := range file.Instances {
		if c.Account == "" || c.Platform == "" || c.Strategy == "" || c.Symbol == "" {
			return nil, fmt.Errorf("%s: instance %d needs account, platform, strategy and symbol", path, i)
		}
	}
	return file.Instances, nil
}

// ParamsJSON renders the YAML parameters as the JSON document the strategy
// decoders expect.
func (c Config) ParamsJSON() ([]byte, error) {
	if c.Parameters == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(c.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameters for %s/%s: %w", c.Account, c.Symbol, err)
	}
	return raw, nil
}
