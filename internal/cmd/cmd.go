package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bemasher/BodyBuggBypass/internal/config"
	"github.com/bemasher/BodyBuggBypass/internal/pdp"
	"github.com/bemasher/BodyBuggBypass/internal/server"
)

// newApp is replaced in tests to inject fake devices.
var newApp = server.NewMainApp

func DownloadCmdRunE(cmd *cobra.Command, args []string) error {
	app, err := newApp(cmd, args).PrepareRun()
	if err != nil {
		return err
	}
	res, err := app.Download(cmd.Context())
	if err != nil {
		server.Fail(cmd, err)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Path)
	return nil
}

func DownloadCmdFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "default configuration path")
	cmd.Flags().String("port", "", "serial port of the armband, skips usb enumeration")
	cmd.Flags().Int("baud", config.DefaultBaud, "serial baud rate")
	cmd.Flags().String("vid", "", "usb vendor id of the armband")
	cmd.Flags().String("pid", "", "usb product id of the armband")
	cmd.Flags().StringP("output-dir", "d", config.DefaultOutputDir, "directory the log is written to")
	cmd.Flags().Bool("no-reset", false, "leave device memory and clock untouched")
	cmd.Flags().Bool("debug", false, "toggle debug logging")
}

var RootCmd = &cobra.Command{
	Use:   "bodybugg",
	Short: "download logged data from a BodyBugg armband",
	Long: `bodybugg downloads the logged sensor data from a single attached BodyBugg
armband into <timestamp>.log, then clears the armband and sets its clock.
Running without a subcommand is the same as running download.`,
	SilenceUsage: true,
	RunE:         DownloadCmdRunE,
}

var DownloadCmd = &cobra.Command{
	Use: "download",
	SuggestFor: []string{
		"dl", "down", "fetch",
	},
	Short: "download the armband log and reset the armband",
	Long: `download looks for exactly one attached armband and then:
1. reads its last data update timestamp
2. retrieves the PDP payload into <timestamp>.log
3. clears the armband storage and sets its timestamps to now (unless --no-reset)
The process exits with status 1 if no or several armbands are attached,
and with status 2 on any other failure (serial errors, missing timestamp,
file errors).
`,
	Example: `  bodybugg download
  bodybugg download --port /dev/ttyACM0 -d ~/bodybugg`,
	RunE: DownloadCmdRunE,
}

func ProbeCmdFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "default configuration path")
	cmd.Flags().String("vid", "", "usb vendor id of the armband")
	cmd.Flags().String("pid", "", "usb product id of the armband")
	cmd.Flags().Bool("all", false, "list every serial port, not only armbands")
	cmd.Flags().Bool("debug", false, "toggle debug logging")
}

var ProbeCmd = &cobra.Command{
	Use: "probe",
	SuggestFor: []string{
		"pro", "pr", "prob",
	},
	Short: "probe the attached armbands",
	Long: `probe lists the serial ports of attached armbands and prints them to stdout.
With --all every serial port on the system is listed.
`,
	Example: `  bodybugg probe
  bodybugg probe --all`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd, args).PrepareRun()
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")
		ports, err := app.ProbeDevices(cmd.Context(), all)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Found %d ports:\n", len(ports))
		for _, p := range ports {
			fmt.Fprintf(cmd.OutOrStdout(), "- %s\n", strings.TrimSpace(p))
		}
		return nil
	},
}

func InitCmdFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("print", false, "print config to stdout")
	cmd.Flags().BoolP("yes", "y", false, "overwrite")
	cmd.Flags().StringP("output", "o", config.DefaultConfig, "specify output path")
}

var InitCmd = &cobra.Command{
	Use: "init",
	SuggestFor: []string{
		"ini", "in",
	},
	Short: "init create a configuration template",
	Long: `init create a configuration template.
If --print flag is present, the configuration will be printed to stdout.
If --output / -o flag is present, the configuration will be saved to the path specified
Otherwise init will output configuration file to $HOME/.config/bodybugg/config.yaml
If --yes / -y flag is present, the configuration will be overwrite without confirmation
`,
	Example: `  bodybugg init --print
  bodybugg init -o /path/to/config.yaml -y`,
	RunE: config.InitCfg,
}

func ParseCmdFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("format", "f", string(pdp.FormatJSON), "output format, json or yaml")
	cmd.Flags().Bool("debug", false, "toggle debug logging")
}

var ParseCmd = &cobra.Command{
	Use:   "parse INFILE [OUTFILE]",
	Short: "decode a downloaded log",
	Long: `parse decodes the sessions in a downloaded log and writes them as JSON or YAML.
OUTFILE defaults to data.json.
`,
	Example: `  bodybugg parse 1700000000.log
  bodybugg parse 1700000000.log out.yaml -f yaml`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd, args).PrepareRun()
		if err != nil {
			return err
		}
		out := pdp.DefaultOutput
		if len(args) == 2 {
			out = args[1]
		}
		format, _ := cmd.Flags().GetString("format")
		return app.Parse(args[0], out, pdp.Format(format))
	},
}

func ExecCmdFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "default configuration path")
	cmd.Flags().String("port", "", "serial port of the armband, skips usb enumeration")
	cmd.Flags().Int("baud", config.DefaultBaud, "serial baud rate")
	cmd.Flags().Bool("debug", false, "toggle debug logging")
}

var ExecCmd = &cobra.Command{
	Use:   "exec COMMAND...",
	Short: "send raw commands to the armband",
	Long: `exec sends each argument as one command to the attached armband and prints
the replies. Quote commands that contain spaces.
`,
	Example: `  bodybugg exec "get lastdataupdate"
  bodybugg exec "get epoch" "get lastdataupdate"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd, args).PrepareRun()
		if err != nil {
			return err
		}
		replies, err := app.Exec(cmd.Context(), args)
		for i, r := range replies {
			fmt.Fprintf(cmd.OutOrStdout(), "host -> %s\narmband -> %s\n", args[i], strings.TrimSpace(r))
		}
		if err != nil {
			server.Fail(cmd, err)
		}
		return nil
	},
}

func getRootCmd() *cobra.Command {
	DownloadCmdFlags(RootCmd)

	DownloadCmdFlags(DownloadCmd)
	RootCmd.AddCommand(DownloadCmd)

	ProbeCmdFlags(ProbeCmd)
	RootCmd.AddCommand(ProbeCmd)

	InitCmdFlags(InitCmd)
	RootCmd.AddCommand(InitCmd)

	ParseCmdFlags(ParseCmd)
	RootCmd.AddCommand(ParseCmd)

	ExecCmdFlags(ExecCmd)
	RootCmd.AddCommand(ExecCmd)

	return RootCmd
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return getRootCmd().ExecuteContext(ctx)
}
