package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/lidar-extrinsics/internal/calibration"
	"github.com/banshee-data/lidar-extrinsics/internal/config"
	"github.com/banshee-data/lidar-extrinsics/internal/fsutil"
	"github.com/banshee-data/lidar-extrinsics/internal/history"
	"github.com/banshee-data/lidar-extrinsics/internal/monitor"
	"github.com/banshee-data/lidar-extrinsics/internal/registry"
	"github.com/banshee-data/lidar-extrinsics/internal/timeutil"
	"github.com/banshee-data/lidar-extrinsics/internal/transport"
	"github.com/banshee-data/lidar-extrinsics/internal/tuning"
	"github.com/banshee-data/lidar-extrinsics/internal/version"
)

// sinkInterval rate-limits calibrated PCD writes per topic.
const sinkInterval = 500 * time.Millisecond

type runOptions struct {
	configPath string
	manual     bool
	tuningPath string
	listen     string
	dbPath     string
	plotDir    string
	outputDir  string
	replayDir  string
	loop       bool
	watchPath  string
	logDiag    string
	logTrace   string
}

// runSession wires a controller from opts and runs it until it completes or
// ctx is cancelled. Cancellation is a clean exit.
func runSession(ctx context.Context, opts runOptions) error {
	fsys := fsutil.OSFileSystem{}
	clock := timeutil.RealClock{}

	closeLogs, err := setupLogging(opts)
	if err != nil {
		return err
	}
	defer closeLogs()

	log.Printf("lidar-calib %s", version.String())
	table, err := config.Load(fsys, opts.configPath)
	if err != nil {
		return err
	}
	specs, err := table.Specs(fsys)
	if err != nil {
		return err
	}
	reg, err := registry.New(specs)
	if err != nil {
		return err
	}

	tuningCfg := config.EmptyTuningConfig()
	if opts.tuningPath != "" {
		if tuningCfg, err = config.LoadTuningConfig(opts.tuningPath); err != nil {
			return err
		}
	}
	estimator := tuningCfg.GroundParams()

	latest := transport.NewLatest()
	out := transport.Fanout{latest}
	if opts.outputDir != "" {
		out = append(out, transport.NewPCDSink(fsys, clock, opts.outputDir, sinkInterval))
	}
	var src transport.Source
	if opts.replayDir != "" {
		dir, err := transport.NewDirectory(fsys, clock, opts.replayDir, reg.Topics(), opts.loop)
		if err != nil {
			return err
		}
		src = dir
	} else {
		// Only file-backed sensors will have data.
		log.Printf("no --replay-dir given; live topics receive no frames")
		src = transport.NewMemory(clock)
	}

	mode := calibration.Automatic
	if opts.manual {
		mode = calibration.Interactive
	}
	ctrlCfg := calibration.Config{
		Mode:          mode,
		Estimator:     estimator,
		TickInterval:  tuningCfg.GetTickInterval(),
		PollTimeout:   tuningCfg.GetPollTimeout(),
		OutputFrameID: tuningCfg.GetOutputFrameID(),
		Clock:         clock,
	}

	var store *history.Store
	if opts.dbPath != "" {
		if store, err = history.Open(opts.dbPath); err != nil {
			return err
		}
		defer store.Close()
		ctrlCfg.Recorder = store
	}
	if opts.plotDir != "" {
		if err := fsys.MkdirAll(opts.plotDir, 0o755); err != nil {
			return fmt.Errorf("creating plot dir: %w", err)
		}
		ctrlCfg.Plotter = monitor.NewGroundPlotter(opts.plotDir, estimator.DistanceThreshold)
	}

	ctrl, err := calibration.New(ctrlCfg, reg, transport.Join(src, out), config.NewStore(fsys, table, clock))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	if opts.listen != "" {
		wsCfg := monitor.WebServerConfig{
			Address:    opts.listen,
			Controller: ctrl,
			Tuning:     tuningCfg,
			Clouds:     latest,
			PlotDir:    opts.plotDir,
		}
		if store != nil {
			wsCfg.Admin = store
		}
		ws := monitor.NewWebServer(wsCfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Start(ctx); err != nil {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	if opts.watchPath != "" {
		w := tuning.NewWatcher(opts.watchPath, fsys, ctrl)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				log.Printf("params watcher error: %v", err)
			}
		}()
	}

	err = ctrl.Run(ctx)
	cancel()
	wg.Wait()

	if errors.Is(err, context.Canceled) {
		log.Printf("calibration interrupted")
		return nil
	}
	if err != nil {
		return err
	}
	st := ctrl.Status()
	if st.LastSavePath == "" {
		return fmt.Errorf("calibration finished without a save: %s", st.LastError)
	}
	log.Printf("calibration saved to %s", st.LastSavePath)
	return nil
}

// setupLogging routes the calibration ops stream to stdout and the diag and
// trace streams to the files named in opts. The returned func closes them.
func setupLogging(opts runOptions) (func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}
	open := func(path string) (io.Writer, error) {
		if path == "" {
			return nil, nil
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		closers = append(closers, f)
		return f, nil
	}

	diag, err := open(opts.logDiag)
	if err != nil {
		return nil, err
	}
	trace, err := open(opts.logTrace)
	if err != nil {
		closeAll()
		return nil, err
	}
	calibration.SetLogWriters(calibration.LogWriters{Ops: os.Stdout, Diag: diag, Trace: trace})
	return func() {
		calibration.SetLogWriters(calibration.LogWriters{Ops: os.Stdout})
		closeAll()
	}, nil
}
