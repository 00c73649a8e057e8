package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/bproximity/idstore"
	"github.com/user/bproximity/logger"
	"github.com/user/bproximity/proximity"
	"github.com/user/bproximity/sim"
)

type sightingEvent struct {
	Device string `json:"device"`
	ID     string `json:"id"`
	Via    string `json:"via"`
	Peer   string `json:"peer"`
	At     string `json:"at"`
}

func (e sightingEvent) String() string {
	return fmt.Sprintf("%s  %s saw %s via %s (%s)", e.At, e.Device, e.ID, e.Via, logger.Short(e.Peer))
}

func eventFor(device string, s proximity.Sighting) sightingEvent {
	return sightingEvent{
		Device: device,
		ID:     s.ID.String(),
		Via:    string(s.Via),
		Peer:   string(s.Peer),
		At:     s.At.UTC().Format("15:04:05.000"),
	}
}

type deviceSummary struct {
	Device    string   `json:"device"`
	SelfID    string   `json:"self_id"`
	Sightings int      `json:"sightings"`
	Peers     []string `json:"peers"`
}

type simSummary []deviceSummary

func (s simSummary) String() string {
	lines := make([]string, len(s))
	for i, d := range s {
		lines[i] = fmt.Sprintf("%s (%s): %d sightings of %d peers [%s]",
			d.Device, d.SelfID, d.Sightings, len(d.Peers), strings.Join(d.Peers, " "))
	}
	return strings.Join(lines, "\n")
}

func summarize(name string, e *proximity.Engine) deviceSummary {
	d := deviceSummary{Device: name, Peers: []string{}}
	if id, err := e.CurrentID(); err == nil {
		d.SelfID = id.String()
	}
	seen := make(map[string]bool)
	for _, r := range e.PeerIDs() {
		d.Sightings++
		if s := r.ID.String(); !seen[s] {
			seen[s] = true
			d.Peers = append(d.Peers, s)
		}
	}
	sort.Strings(d.Peers)
	return d
}

// NewSimulateCommand runs several engines against the in-memory radio.
func NewSimulateCommand(root *RootOptions) *cobra.Command {
	var (
		devices  int
		duration time.Duration
		seed     int64
		perfect  bool
		persist  bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Exchange identifiers between simulated devices and print every sighting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := root.File
			if !cmd.Flags().Changed("devices") {
				devices = f.Simulation.Devices
			}
			if !cmd.Flags().Changed("duration") {
				duration = f.Simulation.Duration
			}
			if devices < 2 {
				return NewExitError(ExitCommandError, "simulate needs at least 2 devices")
			}

			simCfg := f.Simulator()
			if perfect {
				simCfg = sim.PerfectConfig()
			}
			if cmd.Flags().Changed("seed") {
				simCfg.Deterministic = true
				simCfg.Seed = seed
			}

			air := sim.NewAir(simCfg)
			defer air.Close()

			out := root.formatter(cmd)
			var outMu sync.Mutex

			names := make([]string, 0, devices)
			engines := make([]*proximity.Engine, 0, devices)
			for i := 1; i <= devices; i++ {
				name := fmt.Sprintf("sim-%d", i)

				var backend idstore.Backend = idstore.NewMemoryBackend()
				if persist {
					dc := *f
					dc.DataDir = filepath.Join(f.Dir(), name)
					b, closeFn, err := dc.OpenBackend()
					if err != nil {
						return WrapExitError(ExitFailure, "failed to open store backend", err)
					}
					defer closeFn()
					backend = b
				}

				cfg, err := f.Proximity(backend)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid engine config", err)
				}
				cfg.Name = name
				cfg.OnSighting = func(s proximity.Sighting) {
					outMu.Lock()
					defer outMu.Unlock()
					out.Event(eventFor(name, s))
				}

				d := air.AddDevice(name)
				e, err := proximity.New(cfg, d.Central(), d.Peripheral())
				if err != nil {
					return WrapExitError(ExitFailure, "failed to create engine", err)
				}
				defer e.Close()

				d.PowerOn()
				if err := e.Start(); err != nil {
					return WrapExitError(ExitFailure, "failed to start engine", err)
				}
				names = append(names, name)
				engines = append(engines, e)
			}

			logger.Info("simulate", "%d devices exchanging for %v", devices, duration)
			air.Start()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			select {
			case <-ctx.Done():
			case <-time.After(duration):
			}

			summary := make(simSummary, len(engines))
			for i, e := range engines {
				_ = e.Stop()
				summary[i] = summarize(names[i], e)
			}
			outMu.Lock()
			defer outMu.Unlock()
			return out.Success(summary)
		},
	}

	cmd.Flags().IntVarP(&devices, "devices", "n", 3, "number of simulated devices (overrides config)")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "how long to run (overrides config)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "seed for a reproducible radio")
	cmd.Flags().BoolVar(&perfect, "perfect", false, "lossless radio with no delays")
	cmd.Flags().BoolVar(&persist, "persist", false, "persist each device's stores under the data directory")
	return cmd
}
