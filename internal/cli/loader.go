package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/internal/ground"
	"github.com/loomhq/loom/internal/pipeline"
)

// FileConfig is the on-disk CLI configuration, loaded from YAML.
type FileConfig struct {
	Model struct {
		Provider string `yaml:"provider"`
		Name     string `yaml:"name"`
		APIKey   string `yaml:"api_key"`
		BaseURL  string `yaml:"base_url"`
	} `yaml:"model"`
	StorePath string `yaml:"store_path"`
	Pipeline  struct {
		PlanTemperature           float64 `yaml:"plan_temperature"`
		MaxTokens                 int64   `yaml:"max_tokens"`
		MinConfidence             float64 `yaml:"min_confidence"`
		MaxSkipFraction           float64 `yaml:"max_skip_fraction"`
		ReturnIntermediateResults bool    `yaml:"return_intermediate_results"`
	} `yaml:"pipeline"`
}

// DefaultFileConfig returns the configuration used when no file is given.
func DefaultFileConfig() *FileConfig {
	cfg := &FileConfig{}
	cfg.Model.Provider = "openai"
	cfg.Model.Name = "gpt-4o"
	cfg.Model.APIKey = os.Getenv("OPENAI_API_KEY")
	cfg.StorePath = "loom.db"
	cfg.Pipeline.MinConfidence = ground.DefaultMinConfidence
	cfg.Pipeline.MaxSkipFraction = ground.DefaultMaxSkipFraction
	return cfg
}

// LoadFileConfig reads a YAML configuration file, layering it over the
// defaults so partial files are valid.
func LoadFileConfig(path string) (*FileConfig, error) {
	cfg := DefaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// PipelineConfig converts the file configuration into the per-request
// pipeline configuration.
func (c *FileConfig) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		PlanTemperature: c.Pipeline.PlanTemperature,
		MaxTokens:       c.Pipeline.MaxTokens,
		Grounding: ground.Config{
			MinConfidence:   &c.Pipeline.MinConfidence,
			MaxSkipFraction: &c.Pipeline.MaxSkipFraction,
		},
		ReturnIntermediateResults: c.Pipeline.ReturnIntermediateResults,
	}
}

// LoadPrompt reads an enhanced-prompt JSON file. The bytes pass through
// unparsed; the pipeline owns prompt validation.
func LoadPrompt(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("prompt %s is not valid JSON", path)
	}
	return data, nil
}

// LoadMetadata reads an optional data-source metadata JSON file.
func LoadMetadata(path string) (*ground.Metadata, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var md ground.Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &md, nil
}
