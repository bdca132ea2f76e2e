package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/youruser/nexus/internal/session"
)

func newApplyCmd(root *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "apply [file|-]",
		Short: "Apply FILE: blocks from a saved reply",
		Long: `Reads an assistant reply and writes every FILE: block in it to the
workspace after showing a diff. Paths that are absolute or leave the
workspace are skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := "-"
			if len(args) == 1 {
				src = args[0]
			}
			if src == "-" && !yes {
				return errors.New("reading the reply from stdin requires --yes")
			}
			content, err := readReply(src, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runApply(cmd, root, content, yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "apply without asking")
	return cmd
}

func readReply(src string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if src == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return "", fmt.Errorf("reading reply: %w", err)
	}
	return string(data), nil
}

func runApply(cmd *cobra.Command, root *rootOptions, content string, yes bool) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	sessOpts, err := root.sessionOptions()
	if err != nil {
		return err
	}

	ui := newTerminalUI(cmd.OutOrStdout(), yes)
	var confirm session.Confirmer = ui
	if yes {
		confirm = session.AutoConfirm{}
	}
	sessOpts = append(sessOpts, session.WithUI(ui), session.WithConfirmer(confirm))
	coord := session.New(cfg, session.ClientFactory, sessOpts...)

	report, err := coord.ApplyEditsFromMessage(cmd.Context(), content)
	if errors.Is(err, session.ErrNoWorkspace) {
		return errReported
	}
	if err != nil {
		return err
	}
	if len(report.Failed) > 0 {
		return errReported
	}
	return nil
}
