// Package cli implements the chatctl command tree.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"slices"

	"github.com/npezzotti/opsdesk/internal/config"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Quiet      bool
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chatctl",
		Short: "Command line client for opsdesk chat and the inbox cache",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML file overriding OPSDESK_* settings")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Quiet, "quiet", "q", false, "suppress log output")

	cmd.AddCommand(NewChatCommand(opts))
	cmd.AddCommand(NewInboxCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() (config.SyncConfig, error) {
	cfg := config.LoadSync()
	if o.ConfigPath != "" {
		if err := cfg.Overlay(o.ConfigPath); err != nil {
			return config.SyncConfig{}, err
		}
	}
	return cfg, nil
}

func (o *RootOptions) logger(cmd *cobra.Command) *log.Logger {
	w := cmd.ErrOrStderr()
	if o.Quiet {
		w = io.Discard
	}
	return log.New(w, "[opsdesk] ", log.LstdFlags)
}

// print writes v as indented JSON, or calls text for the text format.
func (o *RootOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
