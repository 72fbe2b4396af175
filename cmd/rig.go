package cmd

import (
	"log"
	"path/filepath"
	"time"

	"github.com/pkg/browser"

	"github.com/he3lab/rampctl/config"
	"github.com/he3lab/rampctl/control"
	"github.com/he3lab/rampctl/datalog"
	"github.com/he3lab/rampctl/gpib"
	"github.com/he3lab/rampctl/monitor"
	"github.com/he3lab/rampctl/notify"
)

// openPowerSupply opens the configured resource and leaves the supply
// initialized with a recorder attached.
func openPowerSupply(cfg config.Config) (*gpib.PowerSupply, error) {
	sess, err := gpib.Open(cfg.PowerSupply.Resource)
	if err != nil {
		return nil, err
	}
	tr := gpib.NewTransport(sess, cfg.TransportOptions())
	ps := gpib.NewPowerSupply(tr, cfg.PowerSupplyParams())
	ps.AttachRecorder(gpib.NewRecorder(cfg.ControlTiming().SampleInterval, ps.ReadCurrent))
	if err := ps.Initialize(); err != nil {
		tr.Close()
		return nil, err
	}
	return ps, nil
}

// openLockIn opens the configured resource and leaves the lock-in
// initialized with a recorder attached.
func openLockIn(cfg config.Config) (*gpib.LockIn, error) {
	sess, err := gpib.Open(cfg.LockIn.Resource)
	if err != nil {
		return nil, err
	}
	tr := gpib.NewTransport(sess, cfg.TransportOptions())
	li := gpib.NewLockIn(tr, cfg.LockInParams())
	li.AttachRecorder(gpib.NewRecorder(cfg.ControlTiming().SampleInterval, li.ReadValue))
	if err := li.Initialize(); err != nil {
		tr.Close()
		return nil, err
	}
	return li, nil
}

// buildNotifier returns the chat notifier, or nil when chat is not
// configured or unreachable. A rig without chat still runs.
func buildNotifier(cfg config.Config) control.Notifier {
	if !cfg.Mattermost.Enabled() {
		return nil
	}
	n, err := notify.NewMattermost(cfg.Mattermost)
	if err != nil {
		log.Printf("notifications disabled: %v\n", err)
		return nil
	}
	return n
}

// buildMonitor starts the web monitor when configured. It returns nil when
// disabled.
func buildMonitor(cfg config.Config, run string) *monitor.Server {
	if cfg.Monitor.Addr == "" {
		return nil
	}
	mon := monitor.NewServer(cfg.Monitor.Addr, run)
	go func() {
		if err := mon.ListenAndServe(); err != nil {
			log.Printf("monitor server exited: %v\n", err)
		}
	}()
	if openBrowser {
		if err := browser.OpenURL(mon.URL()); err != nil {
			log.Printf("could not open browser: %v\n", err)
		}
	}
	return mon
}

// openRunLog opens the SQLite run log when enabled. It returns nil when
// disabled or broken; CSV dumps still happen either way.
func openRunLog(cfg config.Config) *datalog.RunLog {
	if !cfg.Data.RunLog {
		return nil
	}
	path := cfg.Data.RunLogPath
	if path == "" {
		// OpenRunLog appends the .sqlite3 extension.
		path = filepath.Join(cfg.Data.Dir, "runlog_"+time.Now().Format("20060102_150405"))
	}
	l, err := datalog.OpenRunLog(path)
	if err != nil {
		log.Printf("run log disabled: %v\n", err)
		return nil
	}
	return l
}
