package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/screencap/internal/capture/source"
	"github.com/babelcloud/screencap/internal/util"
)

// NewDisplaysCommand creates the 'displays' command
func NewDisplaysCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "displays",
		Short: "List displays that can be recorded",
		Example: `  # List displays
  screencap displays

  # Record the second display
  screencap record --display 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			displays := source.Displays()
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(displays)
			}
			util.RenderTable(out, displayColumns(), displayRows(displays))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func displayColumns() []util.TableColumn {
	return []util.TableColumn{
		{Header: "INDEX", Key: "index"},
		{Header: "SIZE", Key: "size"},
		{Header: "ORIGIN", Key: "origin"},
	}
}

func displayRows(displays []source.DisplayInfo) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(displays))
	for _, d := range displays {
		index := fmt.Sprint(d.Index)
		if d.Index == 0 {
			index = color.New(color.FgCyan).Sprint(index)
		}
		rows = append(rows, map[string]interface{}{
			"index":  index,
			"size":   fmt.Sprintf("%dx%d", d.Bounds.Dx(), d.Bounds.Dy()),
			"origin": fmt.Sprintf("%d,%d", d.Bounds.Min.X, d.Bounds.Min.Y),
		})
	}
	return rows
}
