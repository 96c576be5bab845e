package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// Build information, set by main from linker flags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return json.NewEncoder(w).Encode(map[string]string{"version": Version, "commit": Commit})
			}
			_, err := fmt.Fprintf(w, "eesocial version %s (commit: %s)\n", Version, Commit)
			return err
		},
	}
}
