package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"github.com/homefleet/teslasync/pkg/fleet"
	"github.com/homefleet/teslasync/pkg/protocol"
)

var (
	controlVIN     string
	commandTimeout time.Duration
)

var controlCmd = &cobra.Command{
	Use:   "control [COMMAND [ARG...]]",
	Short: "Send commands to a vehicle",
	Long: `Send a single command to a vehicle, or start an interactive shell when
no command is given. Run "control help" to list available commands.`,
	RunE: runControl,
}

func init() {
	controlCmd.Flags().StringVar(&controlVIN, "vin", os.Getenv("TESLA_VIN"), "Vehicle Identification Number. Defaults to $TESLA_VIN.")
	controlCmd.Flags().DurationVar(&commandTimeout, "command-timeout", 90*time.Second, "Timeout for commands sent to the vehicle.")
	rootCmd.AddCommand(controlCmd)
}

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, controller *fleet.Controller, id int64, args map[string]string) error

type Command struct {
	help    string
	args    []Argument
	handler Handler
}

var ErrCommandLineArgs = errors.New("invalid command line arguments")

var commands = map[string]*Command{
	"lock": {
		help:    "Lock doors",
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error { return c.Lock(ctx, id) },
	},
	"unlock": {
		help:    "Unlock doors",
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error { return c.Unlock(ctx, id) },
	},
	"climate-on": {
		help:    "Turn on climate control",
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error { return c.ClimateOn(ctx, id) },
	},
	"climate-off": {
		help:    "Turn off climate control",
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error { return c.ClimateOff(ctx, id) },
	},
	"climate-set-temp": {
		help: "Set climate control temperature",
		args: []Argument{{name: "TEMP", help: "Desired temperature in Celsius, e.g., 21.5"}},
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error {
			temp, err := strconv.ParseFloat(args["TEMP"], 64)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			return c.SetTemps(ctx, id, temp, temp)
		},
	},
	"charging-start": {
		help:    "Start charging",
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error { return c.ChargeStart(ctx, id) },
	},
	"charging-stop": {
		help:    "Stop charging",
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error { return c.ChargeStop(ctx, id) },
	},
	"charging-set-limit": {
		help: "Set charge limit",
		args: []Argument{{name: "PERCENT", help: "Charging limit as a percent of full charge"}},
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error {
			percent, err := strconv.Atoi(args["PERCENT"])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			return c.SetChargeLimit(ctx, id, percent)
		},
	},
	"charge-port-open": {
		help:    "Open charge port",
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error { return c.OpenChargePort(ctx, id) },
	},
	"charge-port-close": {
		help:    "Close charge port",
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error { return c.CloseChargePort(ctx, id) },
	},
	"flash-lights": {
		help:    "Flash headlights",
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error { return c.FlashLights(ctx, id) },
	},
	"honk": {
		help:    "Honk horn",
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error { return c.HonkHorn(ctx, id) },
	},
	"sentry-mode": {
		help: "Enable or disable sentry mode",
		args: []Argument{{name: "STATE", help: "'on' or 'off'"}},
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error {
			switch strings.ToLower(args["STATE"]) {
			case "on":
				return c.SetSentryMode(ctx, id, true)
			case "off":
				return c.SetSentryMode(ctx, id, false)
			default:
				return fmt.Errorf("%w: STATE must be 'on' or 'off'", ErrCommandLineArgs)
			}
		},
	},
	"seat-heater": {
		help: "Set seat heater level",
		args: []Argument{
			{name: "SEAT", help: "Seat position number"},
			{name: "LEVEL", help: "Heater level (0-3)"},
		},
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error {
			seat, err := strconv.Atoi(args["SEAT"])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			level, err := strconv.Atoi(args["LEVEL"])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			return c.SetSeatHeater(ctx, id, seat, level)
		},
	},
	"wake": {
		help:    "Wake up vehicle",
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error { return c.WakeUp(ctx, id) },
	},
	"state": {
		help: "Print the latest cached state",
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error {
			snapshot, ok := c.ReadState(id)
			if !ok || snapshot.Data == nil {
				return fmt.Errorf("no state fetched yet")
			}
			doc, err := json.MarshalIndent(snapshot.Data, "", "  ")
			if err != nil {
				return err
			}
			fmt.Printf("%s\nfetched at %s\n", doc, snapshot.FetchedAt.Format(time.RFC3339))
			return nil
		},
	},
	"refresh": {
		help: "Fetch fresh state from the vehicle",
		handler: func(ctx context.Context, c *fleet.Controller, id int64, args map[string]string) error {
			c.RefreshSoon(id)
			if launched := c.Tick(ctx); launched == 0 {
				return fmt.Errorf("refresh deferred by rate budget")
			}
			return nil
		},
	},
}

func runControl(cmd *cobra.Command, args []string) error {
	if len(args) > 0 && args[0] == "help" {
		printCommands()
		return nil
	}
	if controlVIN == "" {
		return fmt.Errorf("must provide a VIN with --vin or $TESLA_VIN")
	}
	if err := config.LoadCredentials(); err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	controller, err := config.Controller(fleetConfig())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer controller.Stop()

	id, err := controller.VINToID(controlVIN)
	if err != nil {
		return fmt.Errorf("unknown VIN %s: %w", controlVIN, err)
	}

	if len(args) > 0 {
		if status := runCommand(controller, id, args); status != 0 {
			return fmt.Errorf("command failed")
		}
		return nil
	}
	return runInteractiveShell(controller, id)
}

func runCommand(controller *fleet.Controller, id int64, args []string) int {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := execute(ctx, controller, id, args); err != nil {
		if protocol.MayHaveSucceeded(err) {
			writeErr("Couldn't verify success: %s", err)
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func execute(ctx context.Context, controller *fleet.Controller, id int64, args []string) error {
	info, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unrecognized command: %s", args[0])
	}
	if len(args)-1 != len(info.args) {
		names := make([]string, len(info.args))
		for i, arg := range info.args {
			names[i] = arg.name
		}
		return fmt.Errorf("%w: usage: %s %s", ErrCommandLineArgs, args[0], strings.Join(names, " "))
	}
	named := make(map[string]string, len(info.args))
	for i, arg := range info.args {
		named[arg.name] = args[i+1]
	}
	return info.handler(ctx, controller, id, named)
}

func runInteractiveShell(controller *fleet.Controller, id int64) error {
	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Printf("> "); scanner.Scan(); fmt.Printf("> ") {
		args, err := shlex.Split(scanner.Text())
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "exit", "quit":
			return nil
		case "help":
			printCommands()
			continue
		}
		runCommand(controller, id, args)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading command: %w", err)
	}
	return nil
}

func printCommands() {
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	fmt.Printf("Available commands:\n")
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}
