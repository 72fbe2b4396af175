package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/he3lab/rampctl/config"
	"github.com/he3lab/rampctl/datalog"
	"github.com/he3lab/rampctl/gpib"
)

var monitorPowerSupplyCmd = &cobra.Command{
	Use:   "monitor-power-supply [file]",
	Short: "Sample the supply current until interrupted, then dump CSV",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		runPowerSupplyMonitor(loadConfig(), firstOrEmpty(args))
		atexit.Exit(0)
	},
}

var monitorLockInCmd = &cobra.Command{
	Use:   "monitor-lock-in [file]",
	Short: "Harvest the lock-in storage buffer until interrupted, then dump CSV",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		runLockInMonitor(loadConfig(), firstOrEmpty(args))
		atexit.Exit(0)
	},
}

func firstOrEmpty(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func init() {
	rootCmd.AddCommand(monitorPowerSupplyCmd)
	rootCmd.AddCommand(monitorLockInCmd)
}

func runPowerSupplyMonitor(cfg config.Config, path string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ps, err := openPowerSupply(cfg)
	if err != nil {
		log.Fatalf("power supply: %v", err)
	}
	defer ps.Transport().Close()

	rec := ps.Recorder()
	if mon := buildMonitor(cfg, ""); mon != nil {
		rec.SetTee(mon.WatchSamples("power-supply"))
	}

	log.Println("sampling supply current, ^C to stop and dump")
	for ctx.Err() == nil {
		if _, ok := ps.RecordCurrent(true); ok {
			printLast(rec, datalog.AmpsFormat)
		}
	}
	dumpSamples(cfg, "power-supply", datalog.AmpsFormat, rec, path)
}

func runLockInMonitor(cfg config.Config, path string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	li, err := openLockIn(cfg)
	if err != nil {
		log.Fatalf("lock-in: %v", err)
	}
	defer li.Transport().Close()

	rec := li.Recorder()
	if mon := buildMonitor(cfg, ""); mon != nil {
		rec.SetTee(mon.WatchSamples("lock-in"))
	}

	if err := li.StartStorage(); err != nil {
		log.Fatalf("lock-in: %v", err)
	}
	harvest := cfg.HarvestInterval()
	if harvest <= 0 || harvest > li.ChunkInterval() {
		harvest = li.ChunkInterval()
	}

	log.Printf("harvesting lock-in storage every %v, ^C to stop and dump\n", harvest)
	ticker := time.NewTicker(harvest)
	defer ticker.Stop()
	printed := 0
	for {
		select {
		case <-ctx.Done():
			if _, err := li.RetrieveStorage(); err != nil {
				log.Printf("final retrieval failed: %v\n", err)
			}
			printed = printNew(rec, datalog.VoltsFormat, printed)
			dumpSamples(cfg, "lock-in", datalog.VoltsFormat, rec, path)
			return
		case <-ticker.C:
			if n, err := li.RetrieveStorage(); err != nil {
				log.Printf("storage retrieval failed: %v\n", err)
			} else if n > 0 {
				printed = printNew(rec, datalog.VoltsFormat, printed)
			}
		}
	}
}

func printLast(rec *gpib.Recorder, format string) {
	samples := rec.Samples()
	if len(samples) == 0 {
		return
	}
	last := samples[len(samples)-1]
	fmt.Printf(format, last.Timestamp, last.Value)
}

func printNew(rec *gpib.Recorder, format string, printed int) int {
	samples := rec.Samples()
	for _, s := range samples[printed:] {
		fmt.Printf(format, s.Timestamp, s.Value)
	}
	return len(samples)
}

func dumpSamples(cfg config.Config, name, format string, rec *gpib.Recorder, path string) {
	if path == "" {
		path = datalog.TimestampedPath(cfg.Data.Dir, name, time.Now())
	}
	if err := datalog.FileDump(path, format)(rec.Samples()); err != nil {
		log.Printf("dump failed: %v\n", err)
		return
	}
	log.Printf("%d samples written to %s\n", rec.Len(), path)
}
