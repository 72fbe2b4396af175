package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/he3lab/rampctl/comm"
	"github.com/he3lab/rampctl/config"
	"github.com/he3lab/rampctl/control"
	"github.com/he3lab/rampctl/datalog"
)

var verbosePrompt bool

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Run the interactive ramp console against both instruments",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		runConsole(loadConfig())
		atexit.Exit(0)
	},
}

func init() {
	consoleCmd.Flags().BoolVar(&verbosePrompt, "verbose-prompt", true, "print the full command list with every prompt")
	rootCmd.AddCommand(consoleCmd)
}

// console bundles everything the interactive loop needs.
type console struct {
	co     *control.Coordinator
	ps     *control.Handle
	li     *control.Handle
	timing control.Timing
}

func runConsole(cfg config.Config) {
	runLog := openRunLog(cfg)
	run := ""
	if runLog != nil {
		run = runLog.Run()
	}
	mon := buildMonitor(cfg, run)
	notifier := buildNotifier(cfg)
	timing := cfg.ControlTiming()
	startedAt := time.Now()

	ps, err := openPowerSupply(cfg)
	if err != nil {
		log.Fatalf("power supply: %v", err)
	}
	li, err := openLockIn(cfg)
	if err != nil {
		log.Fatalf("lock-in: %v", err)
	}

	psOpts := []control.ControllerOption{
		control.WithTiming(timing),
		control.WithSampleDump(datalog.FileDump(
			datalog.TimestampedPath(cfg.Data.Dir, "power-supply", startedAt), datalog.AmpsFormat)),
	}
	liOpts := []control.ControllerOption{
		control.WithTiming(timing),
		control.WithSampleDump(datalog.FileDump(
			datalog.TimestampedPath(cfg.Data.Dir, "lock-in", startedAt), datalog.VoltsFormat)),
		control.WithHarvestInterval(cfg.HarvestInterval()),
	}
	if notifier != nil {
		psOpts = append(psOpts, control.WithNotifier(notifier))
		liOpts = append(liOpts, control.WithNotifier(notifier))
	}
	if runLog != nil {
		psOpts = append(psOpts,
			control.WithSampleDump(runLog.SampleDump("power-supply")),
			control.WithRampSink(runLog.InsertRamp))
		liOpts = append(liOpts, control.WithSampleDump(runLog.SampleDump("lock-in")))
	}
	if mon != nil {
		ps.Recorder().SetTee(mon.WatchSamples("power-supply"))
		li.Recorder().SetTee(mon.WatchSamples("lock-in"))
		psOpts = append(psOpts, control.WithStatus(mon.WatchStatus()))
		liOpts = append(liOpts, control.WithStatus(mon.WatchStatus()))
	}

	ctx := context.Background()
	c := &console{
		co:     control.NewCoordinator(timing, cfg.PowerSupply.MaxCurrent),
		ps:     control.Spawn(ctx, control.NewPowerSupplyController("power-supply", ps, psOpts...)),
		li:     control.Spawn(ctx, control.NewLockInController("lock-in", li, liOpts...)),
		timing: timing,
	}
	c.loop()
}

func (c *console) loop() {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		c.prompt()
		if !scanner.Scan() {
			// EOF counts as a finish request; never leave a magnet
			// unattended because the terminal went away.
			fmt.Println()
			c.shutdown()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "r":
			c.ramp(fields[1:])
		case "i":
			c.render(c.ps, c.co.Interrupt(c.ps))
		case "f":
			if c.finishAll() {
				return
			}
		case "k":
			c.killAll()
			return
		case "h", "?", "help":
			printHelp()
		default:
			c.render(c.ps, c.co.Raw(c.ps, line))
		}
		time.Sleep(c.timing.Latency)
	}
}

// promptText is what the operator sees above the input marker: the full
// command list by default, one line with --verbose-prompt=false.
func promptText(verbose bool) []string {
	if !verbose {
		return []string{"commands: r TARGET RATE | i | f | k"}
	}
	return append([]string{"Please type in one of the following commands:"}, helpLines()...)
}

func helpLines() []string {
	return []string{
		"  r TARGET RATE   ramp the supply to TARGET amps at RATE amps per second",
		"  i               interrupt the active ramp",
		"  f               finish: flush data and stop both controllers",
		"  k               kill both controllers outright, discarding data",
	}
}

func (c *console) prompt() {
	for _, line := range promptText(verbosePrompt) {
		color.Cyan(line)
	}
	fmt.Print("> ")
}

func printHelp() {
	for _, line := range helpLines() {
		fmt.Println(line)
	}
}

func (c *console) ramp(args []string) {
	if len(args) != 2 {
		color.Red("!! ramp takes exactly two arguments: target and rate")
		return
	}
	target, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		color.Red("!! bad target %q", args[0])
		return
	}
	rate, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		color.Red("!! bad rate %q", args[1])
		return
	}
	c.render(c.ps, c.co.Ramp(c.ps, target, rate))
}

// render prints one exchange result the way the operator expects: green for
// progress, yellow for protocol hiccups, red for refusals.
func (c *console) render(h *control.Handle, res control.Result) {
	switch {
	case res.Refused != "":
		color.Red("!! %s", res.Refused)
	case !res.Got:
		color.Yellow("internal warning: no response message from the %s controller", h.Name)
		if !res.Alive {
			color.Red("!! the %s controller is not running", h.Name)
		}
	default:
		switch res.Reply.Kind {
		case comm.RampStarted, comm.Interrupted, comm.Stopped, comm.RampDone:
			color.Green(">> %s", res.Reply)
		case comm.RampFailed:
			color.Red(">> %s", res.Reply)
		default:
			color.Yellow(">> %s", res.Reply)
		}
	}
}

// finishAll stops the supply controller first so the ramp data is on disk
// before the thermometry goes down. It reports whether the console is done.
func (c *console) finishAll() bool {
	if !c.finishOne(c.ps) {
		return false
	}
	if !c.finishOne(c.li) {
		return false
	}
	color.Green(">> all controllers stopped, data flushed")
	return true
}

func (c *console) finishOne(h *control.Handle) bool {
	res := c.co.Finish(h)
	switch {
	case res.Got && res.Reply.Kind == comm.Stopped:
		color.Green(">> %s: %s", h.Name, res.Reply)
		return true
	case res.Got && res.Reply.Kind == comm.RampInProgress:
		color.Yellow(">> %s: still ramping, interrupt it first", h.Name)
		return false
	case res.Got:
		color.Yellow(">> %s: unexpected reply: %s", h.Name, res.Reply)
		return false
	case !res.Alive:
		// Already gone; nothing left to stop.
		color.Yellow(">> %s: controller already stopped", h.Name)
		return true
	default:
		color.Yellow("internal warning: no response message from the %s controller", h.Name)
		return false
	}
}

// shutdown drives the unattended exit: finish gracefully, interrupt a live
// ramp if that is what blocks the finish, and kill only after a second
// finish round still fails.
func (c *console) shutdown() {
	if c.finishAll() {
		return
	}
	c.render(c.ps, c.co.Interrupt(c.ps))
	if c.finishAll() {
		return
	}
	c.killAll()
}

func (c *console) killAll() {
	c.ps.Kill()
	c.li.Kill()
	c.ps.Wait()
	c.li.Wait()
	color.Red(">> controllers killed, unflushed data discarded")
}
