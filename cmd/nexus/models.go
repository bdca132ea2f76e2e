package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/youruser/nexus/internal/llm"
	"github.com/youruser/nexus/internal/session"
)

func newModelsCmd(root *rootOptions) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the provider's models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			client := llm.NewClient(session.ClientSettings(cfg))
			out := cmd.OutOrStdout()

			if check {
				if err := client.Validate(cmd.Context()); err != nil {
					errorColor.Fprintf(out, "✗ %s\n", session.UserMessage(err))
					return errReported
				}
				successColor.Fprintf(out, "✓ API key accepted by %s\n", cfg.Provider)
				return nil
			}

			resp, err := client.GetModels(cmd.Context())
			if err != nil {
				return err
			}
			boldColor.Fprintf(out, "%s (%d models)\n", cfg.Provider, len(resp.Data))
			for _, m := range resp.Data {
				if m.ID == client.Model() {
					successColor.Fprintf(out, "* %s\n", m.ID)
					continue
				}
				fmt.Fprintf(out, "  %s\n", m.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "only check that the API key works")
	return cmd
}
