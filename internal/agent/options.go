package agent

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// PluginOptions is the decoded form of a plugin's free-form config map
// (spec §4.3 initialize(config)). Each plugin's Initialize accepts
// map[string]any so the CLI config file can carry per-plugin keys without
// the config package knowing about every agent family; DecodeOptions turns
// that map into a typed struct the plugin actually works with, the same way
// hector's config loader decodes YAML-sourced maps into typed sections.
func DecodeOptions(input map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("creating options decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("decoding plugin options: %w", err)
	}
	return nil
}

// ClaudeOptions configures the Claude Code plugin.
type ClaudeOptions struct {
	Command        string        `yaml:"command"`
	Model          string        `yaml:"model"`
	PermissionMode string        `yaml:"permission_mode"`
	Timeout        time.Duration `yaml:"timeout"`
}

// OpencodeOptions configures the opencode plugin.
type OpencodeOptions struct {
	Command string        `yaml:"command"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// CodexOptions configures the Codex CLI plugin.
type CodexOptions struct {
	Command string        `yaml:"command"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}
