package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/screencap/internal/capture/source"
	"github.com/babelcloud/screencap/internal/util"
)

// NewDevicesCommand creates the 'devices' command
func NewDevicesCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List Android devices that can be recorded over adb",
		Example: `  # List devices
  screencap devices

  # Record a device screen instead of the local display
  SCREENCAP_SOURCES_VIDEO_BACKEND=adb SCREENCAP_SOURCES_VIDEO_DEVICE=emulator-5554 screencap record`,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := source.ListADBDevices()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(devices)
			}
			util.RenderTable(out, []util.TableColumn{
				{Header: "SERIAL", Key: "serial"},
				{Header: "MODEL", Key: "model"},
				{Header: "STATE", Key: "state"},
			}, deviceRows(devices))
			fmt.Fprintf(out, "\nBackends: %s\n", strings.Join(source.DefaultRegistry().Names(), ", "))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func deviceRows(devices []source.ADBDevice) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(devices))
	for _, d := range devices {
		state := color.New(color.Faint).Sprint(d.State)
		if d.State == "online" {
			state = color.New(color.FgGreen).Sprint(d.State)
		}
		rows = append(rows, map[string]interface{}{
			"serial": color.New(color.FgCyan).Sprint(d.Serial),
			"model":  d.Model,
			"state":  state,
		})
	}
	return rows
}
