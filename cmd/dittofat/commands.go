package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/marmos91/dittofat/internal/logger"
	"github.com/marmos91/dittofat/pkg/config"
	"github.com/marmos91/dittofat/pkg/device"
	"github.com/marmos91/dittofat/pkg/fatfs"
	"github.com/marmos91/dittofat/pkg/layout"
)

// usageError reports bad command arguments. Its text is the command synopsis.
type usageError string

func (e usageError) Error() string { return string(e) }

type command func(ctx context.Context, env *environment, args []string) error

var commands = map[string]command{
	"format":   runFormat,
	"info":     runInfo,
	"ls":       runList,
	"stat":     runStat,
	"cat":      runCat,
	"put":      runPut,
	"mkdir":    runMkdir,
	"rm":       runRemove,
	"truncate": runTruncate,
}

// environment owns the device, the metrics server and the mounted
// filesystem of one invocation.
type environment struct {
	cfg     *config.Config
	dev     device.BlockDevice
	metrics *config.MetricsResult

	stopMetrics context.CancelFunc
	metricsDone sync.WaitGroup

	fsys *fatfs.FileSystem
}

func newEnvironment(ctx context.Context, cfg *config.Config) (*environment, error) {
	env := &environment{cfg: cfg, stopMetrics: func() {}}

	env.metrics = config.InitializeMetrics(cfg)
	if env.metrics.Server != nil {
		metricsCtx, cancel := context.WithCancel(context.Background())
		env.stopMetrics = cancel
		env.metricsDone.Add(1)
		go func() {
			defer env.metricsDone.Done()
			if err := env.metrics.Server.Start(metricsCtx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	dev, err := config.CreateDevice(ctx, &cfg.Device, env.metrics.DeviceMetrics)
	if err != nil {
		env.stopMetrics()
		env.metricsDone.Wait()
		return nil, err
	}
	env.dev = dev
	return env, nil
}

// mount mounts the volume on first use.
func (env *environment) mount(ctx context.Context) (*fatfs.FileSystem, error) {
	if env.fsys != nil {
		return env.fsys, nil
	}
	fsys, err := fatfs.Mount(ctx, env.dev, config.MountOptions(&env.cfg.Mount, env.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to mount %s device: %w", env.cfg.Device.Type, err)
	}
	vol := fsys.Volume()
	logger.Debug("Mounted %s volume %q (%d clusters of %d bytes)",
		vol.Type(), vol.Label(), vol.ClusterCount(), vol.Geometry().ClusterSize())
	env.fsys = fsys
	return fsys, nil
}

// Close unmounts the filesystem, closes the device and stops the metrics
// server. It runs even after the command context was cancelled.
func (env *environment) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if env.fsys != nil {
		errs = append(errs, env.fsys.Unmount(ctx))
	}
	errs = append(errs, env.dev.Close())

	env.stopMetrics()
	env.metricsDone.Wait()
	return errors.Join(errs...)
}

func parseArgs(name, synopsis string, args []string, want int, setup func(fs *flag.FlagSet)) ([]string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if setup != nil {
		setup(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, usageError(synopsis)
	}
	if want >= 0 && fs.NArg() != want {
		return nil, usageError(synopsis)
	}
	return fs.Args(), nil
}

func runFormat(ctx context.Context, env *environment, args []string) error {
	format := env.cfg.Format
	_, err := parseArgs("format", "format [-type FAT12|FAT16|FAT32] [-label LABEL]", args, 0, func(fs *flag.FlagSet) {
		fs.StringVar(&format.Type, "type", format.Type, "FAT type")
		fs.StringVar(&format.Label, "label", format.Label, "Volume label")
	})
	if err != nil {
		return err
	}
	format.Type = strings.ToUpper(format.Type)
	format.Label = strings.ToUpper(format.Label)

	geom, err := layout.Format(ctx, env.dev, config.FormatOptions(&format))
	if err != nil {
		return err
	}
	if err := env.dev.Sync(ctx); err != nil {
		return err
	}

	fmt.Printf("Formatted %s volume: %d clusters of %d bytes\n", geom.Type, geom.ClusterCount, geom.ClusterSize())
	return nil
}

func runInfo(ctx context.Context, env *environment, args []string) error {
	if _, err := parseArgs("info", "info", args, 0, nil); err != nil {
		return err
	}
	fsys, err := env.mount(ctx)
	if err != nil {
		return err
	}

	vol := fsys.Volume()
	var free uint32
	if err := fsys.Group(ctx, func(*fatfs.Tx) error {
		free, err = vol.FreeClusters(ctx)
		return err
	}); err != nil {
		return err
	}

	geom := vol.Geometry()
	clusterSize := int64(geom.ClusterSize())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Type:\t%s\n", vol.Type())
	fmt.Fprintf(w, "Label:\t%s\n", vol.Label())
	fmt.Fprintf(w, "Serial:\t%04X-%04X\n", vol.VolumeID()>>16, vol.VolumeID()&0xFFFF)
	fmt.Fprintf(w, "Sector size:\t%d\n", geom.SectorSize)
	fmt.Fprintf(w, "Cluster size:\t%d\n", clusterSize)
	fmt.Fprintf(w, "FAT copies:\t%d\n", geom.NumFATs)
	fmt.Fprintf(w, "Clusters:\t%d\n", geom.ClusterCount)
	fmt.Fprintf(w, "Free:\t%d clusters (%d bytes)\n", free, int64(free)*clusterSize)
	return w.Flush()
}

func runList(ctx context.Context, env *environment, args []string) error {
	rest, err := parseArgs("ls", "ls [path]", args, -1, nil)
	if err != nil {
		return err
	}
	dir := "/"
	switch len(rest) {
	case 0:
	case 1:
		dir = rest[0]
	default:
		return usageError("ls [path]")
	}

	fsys, err := env.mount(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	err = fsys.Group(ctx, func(tx *fatfs.Tx) error {
		names, err := tx.ReadDir(ctx, dir)
		if err != nil {
			return err
		}
		for _, name := range names {
			st, err := tx.Stat(ctx, path.Join(dir, name))
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", st.FileMode(), st.Size, st.MTime.Format(time.DateTime), name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return w.Flush()
}

func runStat(ctx context.Context, env *environment, args []string) error {
	rest, err := parseArgs("stat", "stat <path>", args, 1, nil)
	if err != nil {
		return err
	}
	fsys, err := env.mount(ctx)
	if err != nil {
		return err
	}

	st, err := fsys.Stat(ctx, rest[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", st.Name)
	fmt.Fprintf(w, "Mode:\t%s (%04o)\n", st.FileMode(), st.Mode&0o7777)
	fmt.Fprintf(w, "Size:\t%d\n", st.Size)
	fmt.Fprintf(w, "Blocks:\t%d (block size %d)\n", st.Blocks, st.BlockSize)
	fmt.Fprintf(w, "Inode:\t%d\n", st.Ino)
	fmt.Fprintf(w, "Owner:\t%d:%d\n", st.UID, st.GID)
	fmt.Fprintf(w, "Attributes:\t0x%02X\n", uint8(st.Attr))
	fmt.Fprintf(w, "Accessed:\t%s\n", st.ATime.Format(time.DateOnly))
	fmt.Fprintf(w, "Modified:\t%s\n", st.MTime.Format(time.DateTime))
	fmt.Fprintf(w, "Created:\t%s\n", st.CTime.Format(time.DateTime))
	return w.Flush()
}

func runCat(ctx context.Context, env *environment, args []string) error {
	var opts fatfs.ReaderOptions
	rest, err := parseArgs("cat", "cat [-offset N] [-length N] <path>", args, 1, func(fs *flag.FlagSet) {
		fs.Int64Var(&opts.Start, "offset", 0, "First byte to read")
		fs.Int64Var(&opts.End, "length", 0, "Bytes to read (0 reads to EOF)")
	})
	if err != nil {
		return err
	}
	if opts.End > 0 {
		opts.End += opts.Start
	}

	fsys, err := env.mount(ctx)
	if err != nil {
		return err
	}

	r, err := fsys.OpenReader(ctx, rest[0], opts)
	if err != nil {
		return err
	}
	_, err = io.Copy(os.Stdout, r)
	return errors.Join(err, r.Close())
}

func runPut(ctx context.Context, env *environment, args []string) error {
	var appendMode bool
	rest, err := parseArgs("put", "put [-append] <src> <dst>", args, 2, func(fs *flag.FlagSet) {
		fs.BoolVar(&appendMode, "append", false, "Append instead of replacing")
	})
	if err != nil {
		return err
	}

	var src io.Reader = os.Stdin
	if rest[0] != "-" {
		f, err := os.Open(rest[0])
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	fsys, err := env.mount(ctx)
	if err != nil {
		return err
	}

	mode := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendMode {
		mode = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	w, err := fsys.OpenWriter(ctx, rest[1], mode, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		return errors.Join(err, w.Close())
	}
	if err := w.Close(); err != nil {
		return err
	}

	logger.Info("Wrote %d bytes to %s", w.BytesWritten(), rest[1])
	return nil
}

func runMkdir(ctx context.Context, env *environment, args []string) error {
	rest, err := parseArgs("mkdir", "mkdir <path>", args, 1, nil)
	if err != nil {
		return err
	}
	fsys, err := env.mount(ctx)
	if err != nil {
		return err
	}
	return fsys.Mkdir(ctx, rest[0], 0o755)
}

func runRemove(ctx context.Context, env *environment, args []string) error {
	rest, err := parseArgs("rm", "rm <path>", args, 1, nil)
	if err != nil {
		return err
	}
	fsys, err := env.mount(ctx)
	if err != nil {
		return err
	}
	return fsys.Unlink(ctx, rest[0])
}

func runTruncate(ctx context.Context, env *environment, args []string) error {
	rest, err := parseArgs("truncate", "truncate <path> <size>", args, 2, nil)
	if err != nil {
		return err
	}
	size, err := strconv.ParseInt(rest[1], 10, 64)
	if err != nil || size < 0 {
		return usageError("truncate <path> <size>")
	}
	fsys, err := env.mount(ctx)
	if err != nil {
		return err
	}
	return fsys.Truncate(ctx, rest[0], size)
}
