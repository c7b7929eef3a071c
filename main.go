package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

type app struct {
	v          *viper.Viper
	configPath string
	cfg        *Config

	// Overridable in tests.
	send func(path string, cmd MetaCommand) error
	open Opener
}

func newApp() *app {
	return &app{v: newViper(), send: SendMetaCommand, open: OpenLibCEC}
}

func setupLogger(debug bool) {
	var lvl slog.Level
	if debug {
		lvl = slog.LevelDebug
	} else {
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cec-sync",
		Short:         "Keep a TV in sync with this machine over HDMI-CEC",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig(a.v, a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			setupLogger(cfg.Debug)
			return nil
		},
		RunE: a.runServe,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (default "+configFilePath+")")
	flags.String("cec-adapter", "", "CEC adapter path (leave empty for auto-detect)")
	flags.String("device-name", defaultDeviceName, "Name announced on the CEC bus")
	flags.Bool("debug", false, "Enable debug output")
	flags.StringSlice("devices", nil, "Power event device addresses (e.g. --devices 0,1). Default to 0")
	flags.Int("logical-address", int(LogicalAddressPlayback1), "Logical address of this device")
	flags.String("input", inputGamescope, "Remote navigation input: gamescope, keyboard or none")
	flags.StringArray("keymap", nil, "Custom CEC-to-Linux key mapping for keyboard input (format <cec key>:<linux>[+<linux>], e.g. --keymap Select:28)")
	flags.String("queue-dir", "", "Event queue directory (default a temporary directory)")
	flags.String("socket", "", "IPC socket path (default $XDG_RUNTIME_DIR/"+serviceName+")")
	for _, name := range []string{
		"cec-adapter", "device-name", "debug", "devices", "logical-address",
		"input", "keymap", "queue-dir", "socket",
	} {
		if err := a.v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the daemon (default)",
			Args:  cobra.NoArgs,
			RunE:  a.runServe,
		},
		a.activeCmd(),
		a.powerCmd(),
		a.volumeCmd(),
		a.muteCmd(),
		&cobra.Command{
			Use:   "config",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(a.cfg)
			},
		},
	)
	return root
}

func (a *app) runServe(cmd *cobra.Command, _ []string) error {
	slog.Info("Starting cec-sync", "config", a.cfg)
	return serve(cmd.Context(), a.cfg)
}

func (a *app) activeCmd() *cobra.Command {
	active := &cobra.Command{Use: "active", Short: "Change the active source"}

	var cooperative bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Make this device the active source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.sendOrRun(cmd.Context(), Active{Action: ActiveSet, Cooperative: cooperative})
		},
	}
	set.Flags().BoolVar(&cooperative, "cooperative", false, "Only take over when the current source is not powered")

	unset := &cobra.Command{
		Use:   "unset",
		Short: "Give up being the active source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.sendOrRun(cmd.Context(), Active{Action: ActiveUnset})
		},
	}

	active.AddCommand(set, unset)
	return active
}

func (a *app) powerCmd() *cobra.Command {
	power := &cobra.Command{Use: "power", Short: "Power the configured devices on or off"}

	on := &cobra.Command{
		Use:   "on",
		Short: "Power on the configured devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.sendOrRun(cmd.Context(), Power{Action: PowerOn})
		},
	}

	var cooperative bool
	off := &cobra.Command{
		Use:   "off",
		Short: "Put the configured devices in standby",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.sendOrRun(cmd.Context(), Power{Action: PowerOff, Cooperative: cooperative})
		},
	}
	off.Flags().BoolVar(&cooperative, "cooperative", false, "Only power off when this device is the active source")

	power.AddCommand(on, off)
	return power
}

func (a *app) volumeCmd() *cobra.Command {
	volume := &cobra.Command{Use: "volume", Short: "Change the volume"}

	step := func(action VolumeAction) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			steps := uint8(1)
			if len(args) == 1 {
				n, err := parseVolume(args[0])
				if err != nil {
					return err
				}
				steps = n
			}
			return a.sendOrRun(cmd.Context(), Volume{Action: action, Value: steps})
		}
	}

	volume.AddCommand(
		&cobra.Command{
			Use:   "up [steps]",
			Short: "Raise the volume",
			Args:  cobra.MaximumNArgs(1),
			RunE:  step(VolumeUp),
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Lower the volume",
			Args:  cobra.MaximumNArgs(1),
			RunE:  step(VolumeDown),
		},
		&cobra.Command{
			Use:   "set <level>",
			Short: "Set the volume to an absolute level",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				level, err := parseVolume(args[0])
				if err != nil {
					return err
				}
				return a.sendOrRun(cmd.Context(), Volume{Action: VolumeSet, Value: level})
			},
		},
	)
	return volume
}

func parseVolume(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid volume %q: %w", s, err)
	}
	return uint8(n), nil
}

func (a *app) muteCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "mute [toggle|on|off]",
		Short:     "Mute or unmute the audio",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"toggle", "on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := MuteToggle
			if len(args) == 1 {
				switch args[0] {
				case "on":
					action = MuteOn
				case "off":
					action = MuteOff
				}
			}
			return a.sendOrRun(cmd.Context(), Mute{Action: action})
		},
	}
}

// sendOrRun hands cmd to the running daemon, or runs it on a direct
// connection when the daemon cannot be reached.
func (a *app) sendOrRun(ctx context.Context, cmd MetaCommand) error {
	err := a.send(a.cfg.SocketPath, cmd)
	switch {
	case err == nil:
		slog.Debug("Command sent to daemon", "command", cmd, "socket", a.cfg.SocketPath)
		return nil
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ECONNREFUSED):
		slog.Info("Daemon is not running, connecting to the adapter directly")
	default:
		slog.Warn("Failed to send command to daemon, connecting to the adapter directly", "error", err)
	}
	return a.runDirect(ctx, cmd)
}

func (a *app) runDirect(ctx context.Context, cmd MetaCommand) error {
	conn, err := a.open(OpenOptions{
		Port:           a.cfg.CECAdapter,
		DeviceName:     a.cfg.DeviceName,
		LogicalAddress: LogicalAddress(a.cfg.LogicalAddress),
	}, func(ev Event) {
		if msg, ok := ev.(LogMessageEvent); ok {
			slog.Log(context.Background(), msg.Level.slogLevel(), msg.Message, "source", "libcec")
		}
	})
	if err != nil {
		return err
	}

	executor := &Executor{PowerDevices: a.cfg.powerDevices()}
	return executor.RunWithRelease(ctx, conn, cmd, conn.Close)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newApp().rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
