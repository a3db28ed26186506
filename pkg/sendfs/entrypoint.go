package sendfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/djherbis/times"
	"github.com/dustin/go-humanize"
	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/taskrunner"
	"github.com/function61/zsendfs/pkg/zfscatalog"
	"github.com/function61/zsendfs/pkg/zfscmd"
	"github.com/function61/zsendfs/pkg/zfssize"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/xattr"
	"github.com/spf13/cobra"
)

func Entrypoint() *cobra.Command {
	configPath := ""
	flagConf := DefaultConfig()

	cmd := &cobra.Command{
		Use:     "zsendfs <pool> <mountpoint>",
		Short:   "Mounts ZFS snapshots as files that read as zfs send streams",
		Long: `Mounts ZFS snapshots as files that read as zfs send streams.

Snapshots are listed next to their dataset: <pool>/a@daily shows up as "a@daily" in the
mount root. Snapshots of <pool> itself are therefore not reachable. To expose
tank/home@daily, mount tank (not tank/home).

A <pool> named like a subcommand (snapshots, inspect) is taken as that subcommand. Give
such a pool with a trailing slash ("snapshots/").`,
		Version: dynversion.Version,
		Args:    cobra.ExactArgs(2),
		// hide the default "completion" subcommand from polluting UX (it can still be used)
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			conf, err := ReadConfig(configPath)
			osutil.ExitIfError(err)

			conf.Pool = args[0]
			conf.MountPath = args[1]

			overrideFromFlags(cmd, conf, flagConf)

			osutil.ExitIfError(mount(
				osutil.CancelOnInterruptOrTerminate(rootLogger),
				*conf,
				rootLogger))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "", configPath, "Config file (default "+defaultConfigPath+" if it exists)")
	cmd.Flags().StringVarP(&flagConf.ZfsBinary, "zfs-bin", "", flagConf.ZfsBinary, "Path to zfs binary")
	cmd.Flags().IntVarP(&flagConf.MaxSessions, "max-sessions", "", flagConf.MaxSessions, "Max concurrently open streams (0 = unlimited)")
	cmd.Flags().IntVarP(&flagConf.EstimateCacheSize, "estimate-cache", "", flagConf.EstimateCacheSize, "How many size estimates to cache (0 = disable)")
	cmd.Flags().BoolVarP(&flagConf.AllowOther, "allow-other", "", flagConf.AllowOther, "Allow other users to access the mount")
	cmd.Flags().BoolVarP(&flagConf.UnmountFirst, "unmount-first", "u", flagConf.UnmountFirst, "Umount the mount-path first (maybe unclean shutdown previously)")
	cmd.Flags().StringVarP(&flagConf.MetricsAddr, "metrics-addr", "", flagConf.MetricsAddr, "Serve Prometheus metrics at this address (e.g. :9095)")

	cmd.AddCommand(snapshotsEntrypoint())
	cmd.AddCommand(inspectEntrypoint())

	return cmd
}

// only flags given explicitly win over the config file
func overrideFromFlags(cmd *cobra.Command, conf *Config, flagConf Config) {
	changed := cmd.Flags().Changed

	if changed("zfs-bin") {
		conf.ZfsBinary = flagConf.ZfsBinary
	}
	if changed("max-sessions") {
		conf.MaxSessions = flagConf.MaxSessions
	}
	if changed("estimate-cache") {
		conf.EstimateCacheSize = flagConf.EstimateCacheSize
	}
	if changed("allow-other") {
		conf.AllowOther = flagConf.AllowOther
	}
	if changed("unmount-first") {
		conf.UnmountFirst = flagConf.UnmountFirst
	}
	if changed("metrics-addr") {
		conf.MetricsAddr = flagConf.MetricsAddr
	}
}

func mount(ctx context.Context, conf Config, logger *log.Logger) error {
	if err := conf.Validate(); err != nil {
		return err
	}

	metrics := newMetricsController()

	zfs := metrics.WrapRunner(zfscmd.New(conf.ZfsBinary, logex.Prefix("zfs", logger)))

	filesystem := NewFileSystem(conf, zfs, metrics, logex.Prefix("sendfs", logger))

	tasks := taskrunner.New(ctx, logger)

	tasks.Start("fusesrv", func(ctx context.Context) error {
		return fuseServe(ctx, conf, filesystem, logex.Levels(logex.Prefix("fusesrv", logger)))
	})

	if conf.MetricsAddr != "" {
		tasks.Start("metrics "+conf.MetricsAddr, metrics.Task(conf.MetricsAddr))
	}

	return tasks.Wait()
}

func snapshotsEntrypoint() *cobra.Command {
	zfsBin := "zfs"

	cmd := &cobra.Command{
		Use:   "snapshots <dataset>",
		Short: "Lists a dataset's snapshots with their incremental bases and size estimates",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(printSnapshots(
				osutil.CancelOnInterruptOrTerminate(nil),
				args[0],
				zfscmd.New(zfsBin, nil),
				os.Stdout))
		},
	}

	cmd.Flags().StringVarP(&zfsBin, "zfs-bin", "", zfsBin, "Path to zfs binary")

	return cmd
}

func printSnapshots(ctx context.Context, dataset string, zfs zfscmd.Runner, output io.Writer) error {
	catalog := zfscatalog.New(zfs)
	estimator := zfssize.New(zfs, catalog, 0)

	snapshots, err := catalog.ListSnapshots(ctx, dataset)
	if err != nil {
		return err
	}

	formatSize := sizeFormatter(output)

	rows := [][]string{}
	for _, snapshot := range snapshots {
		estimate, err := estimator.Estimate(ctx, snapshot.Name)
		if err != nil {
			return err
		}

		base := estimate.Base
		if base == "" {
			base = "(full)"
		}

		rows = append(rows, []string{
			snapshot.Name,
			snapshot.Created().UTC().Format(time.RFC3339),
			base,
			formatSize(estimate.Bytes),
		})
	}

	return writeTable(output, []string{"Snapshot", "Created", "Base", "Estimate"}, rows)
}

func inspectEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file> ...",
		Short: "Shows what a mounted snapshot file would stream",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(inspect(args, os.Stdout))
		},
	}
}

func inspect(paths []string, output io.Writer) error {
	formatSize := sizeFormatter(output)

	rows := [][]string{}
	for _, path := range paths {
		timespec, err := times.Stat(path)
		if err != nil {
			return err
		}

		dataset, err := xattr.Get(path, xattrDataset)
		if err != nil {
			return err
		}

		estimateStr, err := xattr.Get(path, xattrEstimate)
		if err != nil {
			return err
		}

		estimate, err := strconv.ParseUint(string(estimateStr), 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		base, err := readBase(path)
		if err != nil {
			return err
		}

		created := timespec.ModTime()
		if timespec.HasBirthTime() {
			created = timespec.BirthTime()
		}

		rows = append(rows, []string{
			string(dataset),
			created.UTC().Format(time.RFC3339),
			base,
			formatSize(estimate),
		})
	}

	return writeTable(output, []string{"Snapshot", "Created", "Base", "Estimate"}, rows)
}

// the base attribute is absent for full streams
func readBase(path string) (string, error) {
	base, err := xattr.Get(path, xattrBase)
	switch {
	case err == nil:
		return string(base), nil
	case errors.Is(err, xattr.ENOATTR):
		return "(full)", nil
	default:
		return "", err
	}
}

func isTerminal(output io.Writer) bool {
	file, isFile := output.(*os.File)
	return isFile && isatty.IsTerminal(file.Fd())
}

// humans get "1.2 GiB", scripts get bytes
func sizeFormatter(output io.Writer) func(uint64) string {
	if isTerminal(output) {
		return humanize.IBytes
	}

	return func(bytes uint64) string {
		return strconv.FormatUint(bytes, 10)
	}
}

// pretty table for humans, tab-separated for scripts
func writeTable(output io.Writer, header []string, rows [][]string) error {
	if !isTerminal(output) {
		for _, row := range rows {
			if _, err := fmt.Fprintln(output, strings.Join(row, "\t")); err != nil {
				return err
			}
		}

		return nil
	}

	tbl := tablewriter.NewWriter(output)
	tbl.SetAutoFormatHeaders(false)
	tbl.SetBorder(false)
	tbl.SetHeader(header)
	tbl.AppendBulk(rows)
	tbl.Render()

	return nil
}
