package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/lidar-extrinsics/internal/calibration"
	"github.com/banshee-data/lidar-extrinsics/internal/config"
	"github.com/banshee-data/lidar-extrinsics/internal/fsutil"
	"github.com/banshee-data/lidar-extrinsics/internal/history"
	"github.com/banshee-data/lidar-extrinsics/internal/monitor"
	"github.com/banshee-data/lidar-extrinsics/internal/registry"
	"github.com/banshee-data/lidar-extrinsics/internal/units"
	"github.com/banshee-data/lidar-extrinsics/internal/version"
)

const defaultAddr = "localhost:8082"

// newRootCmd builds the command tree. Command output goes to out.
func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lidar-calib",
		Short: "Extrinsic calibration for multi-LiDAR rigs",
		Long: `lidar-calib aligns every LiDAR on a rig to a reference sensor.

In automatic mode the ground plane seen by each sensor is fitted and the
pitch, roll and height that level it onto the reference ground are solved
and saved. In manual mode an operator tunes x, y, z, roll, pitch and yaw
per sensor over HTTP, a websocket or a watched params file while the
calibrated clouds are republished live.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newSelectCmd())
	rootCmd.AddCommand(newSetCmd())
	rootCmd.AddCommand(newSaveCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a calibration session",
		Long: `Load the transform table, collect frames for every sensor and calibrate.

Automatic mode exits after the calibrated table has been saved next to the
loaded one as <config>_<UTC timestamp>. With --manual the session runs until
interrupted and saves on request.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSession(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "Transform table (YAML)")
	cmd.Flags().BoolVar(&opts.manual, "manual", false, "Interactive tuning instead of automatic ground alignment")
	cmd.Flags().StringVar(&opts.tuningPath, "tuning", "", "Estimator tuning file (JSON)")
	cmd.Flags().StringVar(&opts.listen, "listen", ":8082", "HTTP listen address (empty disables the API)")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "Calibration history database (sqlite); empty disables history")
	cmd.Flags().StringVar(&opts.plotDir, "plot-dir", "", "Directory for ground plane plots")
	cmd.Flags().StringVar(&opts.outputDir, "output-dir", "", "Directory for calibrated PCD output")
	cmd.Flags().StringVar(&opts.replayDir, "replay-dir", "", "Replay recorded <topic>/*.pcd frames as live input")
	cmd.Flags().BoolVar(&opts.loop, "loop", false, "Loop the replay")
	cmd.Flags().StringVar(&opts.watchPath, "watch", "", "Params file (JSON) whose edits are applied as commands")
	cmd.Flags().StringVar(&opts.logDiag, "log-diag", "", "Append diagnostic logs (plane fits, solver results) to this file")
	cmd.Flags().StringVar(&opts.logTrace, "log-trace", "", "Append per-tick trace logs to this file")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func newInspectCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the transforms in a transform table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := config.Load(fsutil.OSFileSystem{}, configPath)
			if err != nil {
				return err
			}
			return printTable(cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Transform table (YAML)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func printTable(out io.Writer, f *config.File) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOPIC\tROLE\tSOURCE\tX\tY\tZ\tROLL°\tPITCH°\tYAW°\tQUATERNION (w x y z)")
	for _, s := range f.Sensors {
		t, err := s.Transform.Transform()
		if err != nil {
			return fmt.Errorf("topic %q: %w", s.Topic, err)
		}
		role := "aux"
		if s.IsMain {
			role = "reference"
		}
		source := "live"
		if s.LoadFromFile {
			source = s.FilePath
		}
		tr, q := t.TranslationQuaternion()
		e := t.Euler()
		wxyz := q.WXYZ()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%.3f\t%.3f\t%.2f\t%.2f\t%.2f\t%.4f %.4f %.4f %.4f\n",
			s.Topic, role, source, tr.X, tr.Y, tr.Z,
			units.ToDegrees(e.Roll), units.ToDegrees(e.Pitch), units.ToDegrees(e.Yaw),
			wxyz[0], wxyz[1], wxyz[2], wxyz[3])
	}
	return tw.Flush()
}

func newHistoryCmd() *cobra.Command {
	var (
		dbPath string
		runID  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded calibration saves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if runID != "" {
				run, err := store.Run(cmd.Context(), runID)
				if err != nil {
					return err
				}
				return printRun(out, run)
			}
			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "no calibration runs recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tMODE\tSAVED\tSENSORS\tARTIFACT")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					r.RunID, r.Mode, r.SavedAt.Format(time.RFC3339), r.SensorCount, r.ArtifactPath)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "calib.db", "Calibration history database (sqlite)")
	cmd.Flags().StringVar(&runID, "run-id", "", "Show the transforms of one run")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	return cmd
}

func printRun(out io.Writer, run history.Run) error {
	fmt.Fprintf(out, "run %s (%s) saved %s to %s\n",
		run.RunID, run.Mode, run.SavedAt.Format(time.RFC3339), run.ArtifactPath)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOPIC\tX\tY\tZ\tROLL°\tPITCH°\tYAW°\tGROUND")
	for _, s := range run.Sensors {
		ground := "-"
		if s.Plane != nil {
			ground = fmt.Sprintf("d=%.3f inliers=%d", s.Plane.D, s.Plane.Inliers)
		}
		topic := s.Topic
		if s.Reference {
			topic += " (reference)"
		}
		fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%.3f\t%.2f\t%.2f\t%.2f\t%s\n", topic,
			s.Translation[0], s.Translation[1], s.Translation[2],
			units.ToDegrees(s.Euler[0]), units.ToDegrees(s.Euler[1]), units.ToDegrees(s.Euler[2]), ground)
	}
	return tw.Flush()
}

// remoteClient is overridden in tests.
var remoteClient = func(addr string) *monitor.Client {
	return monitor.NewClient(nil, addr)
}

func addAddrFlag(cmd *cobra.Command, addr *string) {
	cmd.Flags().StringVar(addr, "addr", defaultAddr, "Address of a running session's HTTP API")
}

func newStatusCmd() *cobra.Command {
	var (
		addr       string
		asJSON     bool
		angleUnits string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := remoteClient(addr).Status(cmd.Context())
			if err != nil {
				return err
			}
			if err := units.Validate(angleUnits); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			return printStatus(out, st, angleUnits)
		},
	}
	addAddrFlag(cmd, &addr)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status JSON")
	cmd.Flags().StringVar(&angleUnits, "units", units.Degrees, "Angle units for roll, pitch and yaw ("+units.GetValidUnitsString()+")")
	return cmd
}

// printStatus prints roll, pitch and yaw in angleUnits. The JSON view stays in
// radians.
func printStatus(out io.Writer, st monitor.StatusView, angleUnits string) error {
	active := st.ActiveTopic
	if active == "" {
		active = "(none)"
	}
	fmt.Fprintf(out, "mode=%s phase=%s active=%s reference=%s ticks=%d\n",
		st.Mode, st.Phase, active, st.Reference, st.Ticks)
	if st.LoadPending {
		fmt.Fprintln(out, "next edit loads the active topic's params")
	}
	if len(st.Missing) > 0 {
		fmt.Fprintf(out, "waiting for data: %v\n", st.Missing)
	}
	if st.LastSavePath != "" {
		fmt.Fprintf(out, "last save: %s\n", st.LastSavePath)
	}
	if st.LastError != "" {
		fmt.Fprintf(out, "last error: %s\n", st.LastError)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "TOPIC\tDATA\tX\tY\tZ\tROLL(%[1]s)\tPITCH(%[1]s)\tYAW(%[1]s)\n", angleUnits)
	for _, s := range st.Sensors {
		topic := s.Topic
		if s.Reference {
			topic += " (reference)"
		}
		data := "-"
		if s.HasData {
			data = strconv.Itoa(s.Points)
		}
		p := s.Params
		fmt.Fprintf(tw, "%s\t%s\t%.3f\t%.3f\t%.3f\t%.2f\t%.2f\t%.2f\n", topic, data,
			p.X, p.Y, p.Z, units.FromRadians(p.Roll, angleUnits), units.FromRadians(p.Pitch, angleUnits), units.FromRadians(p.Yaw, angleUnits))
	}
	return tw.Flush()
}

func newSelectCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "select <topic>",
		Short: "Make a topic the active one in a running manual session",
		Long: `Make a topic the active one. The first edit after a switch only loads the
topic's current params, so stale values from another sensor are never applied.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := remoteClient(addr).SelectTopic(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "selected %s\n", args[0])
			return nil
		},
	}
	addAddrFlag(cmd, &addr)
	return cmd
}

func newSetCmd() *cobra.Command {
	var (
		addr       string
		angleUnits string
	)

	cmd := &cobra.Command{
		Use:   "set <topic> (<field> <value> | <x> <y> <z> <roll> <pitch> <yaw>)",
		Short: "Edit a sensor's params in a running manual session",
		Long: `Edit one param or all six at once. x, y and z are metres; roll, pitch and
yaw are in --units (radians by default). Edits to the reference sensor are
rejected.

Flags must come before the topic so negative values are read as values:

  lidar-calib set --units deg /lidar/aux pitch -2`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 3 && len(args) != 7 {
				return fmt.Errorf("expected 3 or 7 args, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := units.Validate(angleUnits); err != nil {
				return err
			}
			topic := args[0]
			client := remoteClient(addr)
			if len(args) == 3 {
				field, err := calibration.ParseField(args[1])
				if err != nil {
					return err
				}
				value, err := strconv.ParseFloat(args[2], 64)
				if err != nil {
					return fmt.Errorf("invalid value %q: %w", args[2], err)
				}
				if isAngle(field) {
					value = units.ToRadiansFrom(value, angleUnits)
				}
				if err := client.AdjustParameter(cmd.Context(), topic, field, value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "set %s %s=%g\n", topic, field, value)
				return nil
			}

			var v [6]float64
			for i, s := range args[1:] {
				f, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return fmt.Errorf("invalid value %q: %w", s, err)
				}
				v[i] = f
			}
			p := registry.ManualParams{
				X: v[0], Y: v[1], Z: v[2],
				Roll:  units.ToRadiansFrom(v[3], angleUnits),
				Pitch: units.ToRadiansFrom(v[4], angleUnits),
				Yaw:   units.ToRadiansFrom(v[5], angleUnits),
			}
			if err := client.AdjustParameters(cmd.Context(), topic, p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "set %s %+v\n", topic, p)
			return nil
		},
	}
	addAddrFlag(cmd, &addr)
	cmd.Flags().StringVar(&angleUnits, "units", units.Radians, "Angle units for roll, pitch and yaw ("+units.GetValidUnitsString()+")")
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func isAngle(f calibration.Field) bool {
	return f == calibration.FieldRoll || f == calibration.FieldPitch || f == calibration.FieldYaw
}

func newSaveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save the transform table of a running manual session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := remoteClient(addr).Save(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "save requested")
			return nil
		},
	}
	addAddrFlag(cmd, &addr)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lidar-calib %s\n", version.String())
		},
	}
}
