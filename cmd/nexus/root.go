package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/youruser/nexus/internal/config"
	"github.com/youruser/nexus/internal/session"
	"github.com/youruser/nexus/internal/workspace"
)

type rootOptions struct {
	workspace  string
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "nexus",
		Short: "Chat assistant backend for editor frontends",
		Long: `nexus streams chat completions from an OpenAI-compatible provider and
applies the FILE: blocks in replies to a workspace.

With no subcommand it speaks line-delimited JSON on stdin/stdout, which is
how the editor extension runs it.`,
		Example: `  # Run as the editor backend
  $ nexus --workspace ~/src/project

  # Ask once from the terminal and apply the reply
  $ nexus ask --apply "add a README"

  # Apply FILE: blocks from a saved reply
  $ nexus apply reply.md`,
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetVersionTemplate("nexus {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.workspace, "workspace", "w", "", "workspace root (default: current directory)")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: ~/.config/nexus/config.json)")

	cmd.AddCommand(newAskCmd(opts))
	cmd.AddCommand(newApplyCmd(opts))
	cmd.AddCommand(newModelsCmd(opts))
	return cmd
}

// loadConfig reads the config file. A missing file yields the defaults.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := o.readConfig()
	if errors.Is(err, config.ErrNoConfig) {
		log.Info("No config file, using defaults")
		return config.Default(), nil
	}
	return cfg, err
}

func (o *rootOptions) readConfig() (*config.Config, error) {
	if o.configPath != "" {
		return config.LoadFrom(o.configPath)
	}
	return config.Load()
}

func (o *rootOptions) workspaceRoot() (string, error) {
	if o.workspace != "" {
		return filepath.Abs(o.workspace)
	}
	return os.Getwd()
}

// sessionOptions wires the workspace and the optional system prompt
// override from the config directory.
func (o *rootOptions) sessionOptions() ([]session.Option, error) {
	root, err := o.workspaceRoot()
	if err != nil {
		return nil, err
	}

	var opts []session.Option
	store, err := workspace.NewStore(root)
	if err != nil {
		log.Info("Workspace unavailable (%s): %v", root, err)
	} else {
		opts = append(opts, session.WithStore(store), session.WithContextSource(workspace.NewScanner(root)))
	}

	if prompt := o.systemPromptOverride(); prompt != "" {
		opts = append(opts, session.WithSystemPrompt(prompt))
	}
	return opts, nil
}

func (o *rootOptions) systemPromptOverride() string {
	dir := filepath.Dir(o.configPath)
	if o.configPath == "" {
		var err error
		if dir, err = config.Dir(); err != nil {
			return ""
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, "system_prompt.txt"))
	if err != nil {
		return ""
	}
	log.Info("Using system prompt override from %s", dir)
	return strings.TrimSpace(string(data))
}
