package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// basePlugin holds the state every concrete plugin shares: its metadata,
// the runtime that actually spawns processes, and the decoded options from
// Initialize. Binary detection (detect) does a PATH lookup first, then
// falls back to the plugin's config directory.
type basePlugin struct {
	meta      Meta
	runtime   *BaseRuntime
	command   string
	model     string
	timeout   time.Duration
	configDir string
	ready     bool
}

func (p *basePlugin) Meta() Meta   { return p.meta }
func (p *basePlugin) IsReady() bool { return p.ready }

func (p *basePlugin) detect(ctx context.Context, versionArgs []string) DetectResult {
	path, err := exec.LookPath(p.command)
	if err != nil {
		if info, statErr := os.Stat(p.configDir); statErr == nil && info.IsDir() {
			return DetectResult{Available: true, ExecutablePath: p.command}
		}
		return DetectResult{Available: false, Error: fmt.Errorf("%s not found on PATH: %w", p.command, err)}
	}

	out, err := exec.CommandContext(ctx, p.command, versionArgs...).CombinedOutput()
	if err != nil {
		return DetectResult{Available: true, ExecutablePath: path}
	}
	return DetectResult{Available: true, ExecutablePath: path, Version: strings.TrimSpace(string(out))}
}

func (p *basePlugin) Dispose() error { return nil }

func (p *basePlugin) preflight(ctx context.Context, timeout time.Duration, prompt string, execute func(context.Context, string, []string, ExecuteOptions) (*Handle, error)) PreflightResult {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	handle, err := execute(ctx, prompt, nil, ExecuteOptions{Timeout: timeout})
	if err != nil {
		return PreflightResult{Success: false, Error: err, DurationMs: time.Since(start).Milliseconds()}
	}
	res := handle.Wait()
	pr := PreflightResult{
		DurationMs: res.DurationMs,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
	}
	switch res.Status {
	case StatusCompleted:
		pr.Success = true
	case StatusTimeout:
		pr.Error = fmt.Errorf("preflight timed out after %s", timeout)
		pr.Suggestion = "increase the agent timeout or check network connectivity"
	default:
		pr.Error = res.Error
		pr.Suggestion = "check that the agent CLI is authenticated (run its login command)"
	}
	return pr
}

// --- Claude Code ---

// ClaudePlugin drives the Claude Code CLI with --output-format stream-json,
// whose JSONL shape (snake_case session_id, type vocabulary
// system/assistant/user/result) is what internal/subagent's parser expects.
type ClaudePlugin struct {
	basePlugin
	permissionMode string
}

// NewClaudePlugin constructs an uninitialized Claude Code plugin.
func NewClaudePlugin() *ClaudePlugin {
	home, _ := os.UserHomeDir()
	return &ClaudePlugin{
		basePlugin: basePlugin{
			meta: Meta{
				ID: "claude", Name: "Claude Code", DefaultCommand: "claude",
				CommandAliases: []string{"claude-code"}, SupportsSubagentTracing: true,
			},
			runtime:   &BaseRuntime{Format: LogFormatClaude},
			command:   "claude",
			configDir: filepath.Join(home, ".config", "claude"),
		},
	}
}

func (c *ClaudePlugin) Initialize(ctx context.Context, cfg map[string]any) error {
	var opts ClaudeOptions
	if err := DecodeOptions(cfg, &opts); err != nil {
		return err
	}
	if opts.Command != "" {
		c.command = opts.Command
	}
	c.model = opts.Model
	c.timeout = opts.Timeout
	c.permissionMode = opts.PermissionMode
	if c.runtime.Starter == nil {
		c.runtime.Starter = ExecProcessStarter
	}
	c.ready = true
	return nil
}

func (c *ClaudePlugin) Detect(ctx context.Context) DetectResult {
	return c.detect(ctx, []string{"--version"})
}

func (c *ClaudePlugin) ValidateModel(model string) error {
	if model == "" {
		return nil
	}
	known := []string{"opus", "sonnet", "haiku"}
	for _, k := range known {
		if strings.Contains(strings.ToLower(model), k) {
			return nil
		}
	}
	return fmt.Errorf("claude: unrecognized model alias %q", model)
}

func (c *ClaudePlugin) GetSandboxRequirements() SandboxRequirements {
	home, _ := os.UserHomeDir()
	return SandboxRequirements{
		AuthPaths:       []string{filepath.Join(home, ".claude")},
		RuntimePaths:    []string{c.command},
		RequiresNetwork: true,
	}
}

func (c *ClaudePlugin) Execute(ctx context.Context, prompt string, files []string, opts ExecuteOptions) (*Handle, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	argv := []string{c.command, "-p", "--output-format", "stream-json", "--verbose"}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	if c.permissionMode != "" {
		argv = append(argv, "--permission-mode", c.permissionMode)
	}
	argv = append(argv, prompt)

	return c.runtime.run(ctx, runRequest{
		executionID: newExecutionID(),
		argv:        argv,
		extraEnv:    opts.Env,
		sandbox:     opts.Sandbox,
		onStdout:    opts.OnStdout,
		onStderr:    opts.OnStderr,
		onJSONL:     opts.OnJSONLMessage,
	})
}

func (c *ClaudePlugin) Preflight(ctx context.Context, timeout time.Duration) PreflightResult {
	return c.preflight(ctx, timeout, "respond with the single word ready", c.Execute)
}

// --- opencode ---

// OpencodePlugin drives the opencode CLI with --format json, whose JSONL
// shape (camelCase sessionID, part.tool/part.state) is what
// internal/daemon/jsonl.go's opencode branch parses in baiirun-aetherflow and
// what internal/subagent's parser treats as the Opencode family here.
type OpencodePlugin struct {
	basePlugin
}

func NewOpencodePlugin() *OpencodePlugin {
	home, _ := os.UserHomeDir()
	return &OpencodePlugin{
		basePlugin: basePlugin{
			meta: Meta{
				ID: "opencode", Name: "opencode", DefaultCommand: "opencode",
				SupportsSubagentTracing: true,
			},
			runtime:   &BaseRuntime{Format: LogFormatOpencode},
			command:   "opencode",
			configDir: filepath.Join(home, ".config", "opencode"),
		},
	}
}

func (o *OpencodePlugin) Initialize(ctx context.Context, cfg map[string]any) error {
	var opts OpencodeOptions
	if err := DecodeOptions(cfg, &opts); err != nil {
		return err
	}
	if opts.Command != "" {
		o.command = opts.Command
	}
	o.model = opts.Model
	o.timeout = opts.Timeout
	if o.runtime.Starter == nil {
		o.runtime.Starter = ExecProcessStarter
	}
	o.ready = true
	return nil
}

func (o *OpencodePlugin) Detect(ctx context.Context) DetectResult {
	return o.detect(ctx, []string{"--version"})
}

func (o *OpencodePlugin) ValidateModel(model string) error { return nil }

func (o *OpencodePlugin) GetSandboxRequirements() SandboxRequirements {
	home, _ := os.UserHomeDir()
	return SandboxRequirements{
		AuthPaths:       []string{filepath.Join(home, ".local", "share", "opencode")},
		RuntimePaths:    []string{o.command},
		RequiresNetwork: true,
	}
}

func (o *OpencodePlugin) Execute(ctx context.Context, prompt string, files []string, opts ExecuteOptions) (*Handle, error) {
	model := opts.Model
	if model == "" {
		model = o.model
	}
	argv := []string{o.command, "run", "--format", "json"}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	argv = append(argv, prompt)

	return o.runtime.run(ctx, runRequest{
		executionID: newExecutionID(),
		argv:        argv,
		extraEnv:    opts.Env,
		sandbox:     opts.Sandbox,
		onStdout:    opts.OnStdout,
		onStderr:    opts.OnStderr,
		onJSONL:     opts.OnJSONLMessage,
	})
}

func (o *OpencodePlugin) Preflight(ctx context.Context, timeout time.Duration) PreflightResult {
	return o.preflight(ctx, timeout, "respond with the single word ready", o.Execute)
}

// --- Codex ---

// CodexPlugin drives the Codex CLI. Codex's JSONL frames wrap their payload
// in a "msg" envelope ({"msg":{"type":"..."}}), distinct from both Claude
// and opencode's shapes, so it gets its own LogFormat in ratelimit.go's
// DetectLogFormat.
type CodexPlugin struct {
	basePlugin
}

func NewCodexPlugin() *CodexPlugin {
	home, _ := os.UserHomeDir()
	return &CodexPlugin{
		basePlugin: basePlugin{
			meta:      Meta{ID: "codex", Name: "Codex CLI", DefaultCommand: "codex"},
			runtime:   &BaseRuntime{Format: LogFormatCodex},
			command:   "codex",
			configDir: filepath.Join(home, ".codex"),
		},
	}
}

func (x *CodexPlugin) Initialize(ctx context.Context, cfg map[string]any) error {
	var opts CodexOptions
	if err := DecodeOptions(cfg, &opts); err != nil {
		return err
	}
	if opts.Command != "" {
		x.command = opts.Command
	}
	x.model = opts.Model
	x.timeout = opts.Timeout
	if x.runtime.Starter == nil {
		x.runtime.Starter = ExecProcessStarter
	}
	x.ready = true
	return nil
}

func (x *CodexPlugin) Detect(ctx context.Context) DetectResult {
	return x.detect(ctx, []string{"--version"})
}

func (x *CodexPlugin) ValidateModel(model string) error { return nil }

func (x *CodexPlugin) GetSandboxRequirements() SandboxRequirements {
	home, _ := os.UserHomeDir()
	return SandboxRequirements{
		AuthPaths:       []string{filepath.Join(home, ".codex")},
		RuntimePaths:    []string{x.command},
		RequiresNetwork: true,
	}
}

func (x *CodexPlugin) Execute(ctx context.Context, prompt string, files []string, opts ExecuteOptions) (*Handle, error) {
	model := opts.Model
	if model == "" {
		model = x.model
	}
	argv := []string{x.command, "exec", "--json"}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	argv = append(argv, prompt)

	return x.runtime.run(ctx, runRequest{
		executionID: newExecutionID(),
		argv:        argv,
		extraEnv:    opts.Env,
		sandbox:     opts.Sandbox,
		onStdout:    opts.OnStdout,
		onStderr:    opts.OnStderr,
		onJSONL:     opts.OnJSONLMessage,
	})
}

func (x *CodexPlugin) Preflight(ctx context.Context, timeout time.Duration) PreflightResult {
	return x.preflight(ctx, timeout, "respond with the single word ready", x.Execute)
}

// compile-time interface assertions
var (
	_ Plugin = (*ClaudePlugin)(nil)
	_ Plugin = (*OpencodePlugin)(nil)
	_ Plugin = (*CodexPlugin)(nil)
)
