package completion

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	pkgerrors "github.com/coursebridge/completion-backend/internal/pkg/errors"
)

// Mode is the completion mode of a block type.
type Mode int

const (
	// ModeCompletable blocks carry a raw leaf completion value in [0, 1].
	ModeCompletable Mode = iota
	// ModeExcluded blocks contribute nothing, and neither do their children.
	ModeExcluded
	// ModeAggregator blocks sum the earned/possible of their children.
	ModeAggregator
)

func (m Mode) String() string {
	switch m {
	case ModeCompletable:
		return "completable"
	case ModeExcluded:
		return "excluded"
	case ModeAggregator:
		return "aggregator"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "completable":
		return ModeCompletable, nil
	case "excluded":
		return ModeExcluded, nil
	case "aggregator":
		return ModeAggregator, nil
	}
	return 0, fmt.Errorf("invalid completion mode %q", s)
}

// Classifier maps block-type tokens to completion modes.
type Classifier struct {
	modes      map[string]Mode
	defaultSet bool
	def        Mode
}

func NewClassifier(modes map[string]Mode) *Classifier {
	copied := make(map[string]Mode, len(modes))
	for k, v := range modes {
		copied[k] = v
	}
	return &Classifier{modes: copied}
}

// WithDefault configures a fallback mode for unregistered block types.
// Without it, Classify fails on unknown types.
func (c *Classifier) WithDefault(mode Mode) *Classifier {
	c.def = mode
	c.defaultSet = true
	return c
}

func (c *Classifier) Classify(blockType string) (Mode, error) {
	if mode, ok := c.modes[blockType]; ok {
		return mode, nil
	}
	if c.defaultSet {
		return c.def, nil
	}
	return 0, fmt.Errorf("%w: %q", pkgerrors.ErrUnknownBlockType, blockType)
}

// AggregatorTypes returns the registered aggregator block types in sorted
// order, e.g. for reporting which levels are rolled up.
func (c *Classifier) AggregatorTypes() []string {
	var out []string
	for blockType, mode := range c.modes {
		if mode == ModeAggregator {
			out = append(out, blockType)
		}
	}
	sort.Strings(out)
	return out
}

type classifierConfig struct {
	Default    string            `yaml:"default"`
	BlockTypes map[string]string `yaml:"block_types"`
}

// LoadClassifier reads a YAML registry of block-type -> mode mappings.
// Unknown mode tokens are rejected here rather than at traversal time.
func LoadClassifier(path string) (*Classifier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classifier config: %w", err)
	}
	return ParseClassifier(raw)
}

func ParseClassifier(raw []byte) (*Classifier, error) {
	var cfg classifierConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse classifier config: %w", err)
	}
	if len(cfg.BlockTypes) == 0 {
		return nil, fmt.Errorf("classifier config has no block_types")
	}
	modes := make(map[string]Mode, len(cfg.BlockTypes))
	for blockType, token := range cfg.BlockTypes {
		mode, err := ParseMode(token)
		if err != nil {
			return nil, fmt.Errorf("block type %q: %w", blockType, err)
		}
		modes[blockType] = mode
	}
	classifier := NewClassifier(modes)
	if cfg.Default != "" {
		mode, err := ParseMode(cfg.Default)
		if err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
		classifier.WithDefault(mode)
	}
	return classifier, nil
}

// DefaultClassifier covers the standard course hierarchy and common leaf
// block types, with completable as the fallback for anything unregistered.
func DefaultClassifier() *Classifier {
	return NewClassifier(map[string]Mode{
		"course":      ModeAggregator,
		"chapter":     ModeAggregator,
		"sequential":  ModeAggregator,
		"vertical":    ModeAggregator,
		"html":        ModeCompletable,
		"video":       ModeCompletable,
		"problem":     ModeCompletable,
		"survey":      ModeCompletable,
		"discussion":  ModeExcluded,
		"course_info": ModeExcluded,
		"static_tab":  ModeExcluded,
	}).WithDefault(ModeCompletable)
}
