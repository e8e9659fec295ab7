package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dchest/uniuri"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/screencap/config"
	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/session"
	"github.com/babelcloud/screencap/internal/server"
	"github.com/babelcloud/screencap/internal/util"
)

// NewServeCommand creates the 'serve' command
func NewServeCommand() *cobra.Command {
	var noAuth bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recording control server",
		Long: `Run a local HTTP server that starts and stops recordings and streams status events
over a websocket. Requests must carry the printed token in the X-Screencap-Token header
unless authentication is disabled.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			for name, key := range map[string]string{
				"addr":     "server.addr",
				"token":    "server.token",
				"output":   "output.dir",
				"manifest": "output.manifest",
			} {
				if err := config.BindFlag(key, flags.Lookup(name)); err != nil {
					return err
				}
			}
			return runServe(cmd, !noAuth && config.ServerAuth())
		},
		Example: `  # Serve on the default address
  screencap serve

  # Start and stop a recording
  curl -X POST -H "X-Screencap-Token: $TOKEN" -d '{"frame_rate":30}' http://127.0.0.1:28180/api/recording/start
  curl -X POST -H "X-Screencap-Token: $TOKEN" http://127.0.0.1:28180/api/recording/stop`,
	}

	flags := cmd.Flags()
	flags.String("addr", config.DefaultServerAddr, "Listen address")
	flags.String("token", "", "Control token (generated when empty)")
	flags.BoolVar(&noAuth, "no-auth", false, "Do not require a control token")
	flags.StringP("output", "o", "", "Directory recordings are written to")
	flags.Bool("manifest", false, "Write a TOML manifest next to each recording")

	return cmd
}

func runServe(cmd *cobra.Command, auth bool) error {
	if _, err := config.CaptureConfig(); err != nil {
		return err
	}

	token := ""
	if auth {
		token = config.ServerToken()
		if token == "" {
			token = uniuri.NewLen(32)
		}
	}

	controller := session.NewController(config.OutputDir(),
		session.WithSources(config.SourceSpecs()...),
		session.WithManifest(config.ManifestEnabled()),
		session.WithFinalizeTimeout(config.FinalizeTimeout()),
		session.WithLogger(util.Component("session")),
	)
	srv := server.NewServer(config.ServerAddr(), controller,
		server.WithToken(token),
		server.WithCaptureDefaults(func() core.CaptureConfig {
			cfg, _ := config.CaptureConfig()
			return cfg
		}),
	)

	ln, err := net.Listen("tcp", config.ServerAddr())
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", config.ServerAddr())
	}
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s %s\n", color.GreenString("🎬 screencap control server"), color.CyanString("➜"),
		color.BlueString("http://%s", ln.Addr()))
	if token != "" {
		fmt.Fprintf(out, "Token: %s\n", color.New(color.Bold).Sprint(token))
	}
	fmt.Fprintf(out, "Recordings: %s\n", config.OutputDir())
	fmt.Fprintf(out, "%s\n", color.CyanString("Press Ctrl+C to stop..."))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrapf(err, "server on %s failed", ln.Addr())
		}
		return nil
	case <-sigChan:
	}

	util.GetLogger().Info("Shutting down server...")
	if err := srv.Stop(); err != nil {
		return errors.Wrap(err, "failed to stop server")
	}
	return <-errChan
}
