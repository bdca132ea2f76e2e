package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/youruser/nexus/internal/llm"
	"github.com/youruser/nexus/internal/session"
	"github.com/youruser/nexus/internal/workspace"
)

type askOptions struct {
	file         string
	useWorkspace bool
	apply        bool
	yes          bool
}

func newAskCmd(root *rootOptions) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, root, opts, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "include this file as the current file")
	cmd.Flags().BoolVarP(&opts.useWorkspace, "context", "c", false, "include a summary of workspace files")
	cmd.Flags().BoolVar(&opts.apply, "apply", false, "apply FILE: blocks from the reply")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "apply without asking")
	return cmd
}

func runAsk(cmd *cobra.Command, root *rootOptions, opts *askOptions, question string) error {
	ctx := cmd.Context()
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	sessOpts, err := root.sessionOptions()
	if err != nil {
		return err
	}

	ui := newTerminalUI(cmd.OutOrStdout(), opts.yes)
	sessOpts = append(sessOpts, session.WithUI(ui), session.WithConfirmer(ui))
	coord := session.New(cfg, session.ClientFactory, sessOpts...)

	msg := session.SendMessage{
		Content:            question,
		IncludeCurrentFile: opts.file != "",
		IncludeWorkspace:   opts.useWorkspace,
	}
	if opts.file != "" {
		open, err := openFile(opts.file)
		if err != nil {
			return err
		}
		msg.CurrentFile = open
	}

	if err := coord.SendMessage(ctx, msg); err != nil {
		// Turn failures were already printed as stream errors.
		log.Debug("ask: %v", err)
		return errReported
	}
	if !opts.apply {
		return nil
	}

	reply := lastAssistant(coord.History())
	if reply == "" {
		return nil
	}
	if _, err := coord.ApplyEditsFromMessage(ctx, reply); err != nil {
		if errors.Is(err, session.ErrNoWorkspace) {
			return errReported
		}
		return err
	}
	return nil
}

func openFile(path string) (*workspace.OpenFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return &workspace.OpenFile{
		Path:     path,
		Language: workspace.LanguageFor(filepath.Base(path)),
		Content:  string(data),
	}, nil
}

func lastAssistant(history []session.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == llm.RoleAssistant {
			return history[i].Content
		}
	}
	return ""
}
