package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pagedsm/pagedsm/config"
	"github.com/pagedsm/pagedsm/coord"
	"github.com/pagedsm/pagedsm/dsm"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger

	// run flags
	regionID string
	size     uint64
	pokes    []string
	peeks    []int64
	hold     bool
)

var rootCmd = &cobra.Command{
	Use:   "dsm",
	Short: "Page-coherent distributed shared memory node",
	Long: `dsm maps a shared memory region whose pages are kept coherent across
processes through a coordination service (Redis).

Every process that allocates the same region id shares its contents. The
first one to register the id decides the region size.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		zcfg := zap.NewProductionConfig()
		level, err := zapcore.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("failed to parse log level: %w", err)
		}
		if verbose {
			level = zapcore.DebugLevel
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd allocates a region and touches it
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Allocate a region, apply pokes and peeks, optionally hold it",
	Long: `Allocates the region, prints its local base address, writes every
--poke offset=value, prints every --peek offset, then tears the region down.
With --hold the node keeps serving pages to other nodes until interrupted.

Example:
  dsm run --region r1 --size 4096 --poke 1=1 --peek 1 --hold`,
	RunE: runRegion,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the registered metadata of a region",
	RunE:  regionInfo,
}

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Delete the coordination metadata of a region",
	RunE:  regionTeardown,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVarP(&regionID, "region", "r", "", "region identifier shared by all nodes")
	_ = rootCmd.MarkPersistentFlagRequired("region")

	runCmd.Flags().Uint64Var(&size, "size", uint64(dsm.PageSize), "requested size in bytes (ignored when joining)")
	runCmd.Flags().StringSliceVar(&pokes, "poke", nil, "offset=value byte stores, applied in order")
	runCmd.Flags().Int64SliceVar(&peeks, "peek", nil, "offsets to load and print")
	runCmd.Flags().BoolVar(&hold, "hold", false, "keep the region mapped until SIGINT/SIGTERM")

	rootCmd.AddCommand(runCmd, infoCmd, teardownCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func connect(ctx context.Context) (coord.Client, error) {
	switch cfg.Coordination.Backend {
	case "memory":
		logger.Warn("memory coordination only reaches nodes in this process")
		return coord.NewHub().Connect(), nil
	default:
		return coord.NewRedis(ctx, coord.RedisOptions{
			Addr:        cfg.Coordination.Addr,
			Password:    cfg.Coordination.Password,
			DB:          cfg.Coordination.DB,
			DialTimeout: cfg.GetDialTimeout(),
		}, logger)
	}
}

func newNode(client coord.Client) *dsm.Node {
	opts := []dsm.Option{
		dsm.WithLogger(logger),
		dsm.WithFetchTimeout(cfg.GetFetchTimeout()),
		dsm.WithPublishTimeout(cfg.GetPublishTimeout()),
		dsm.WithChannelPrefix(cfg.Coherence.ChannelPrefix),
		dsm.WithFetchOnWrite(cfg.Coherence.FetchOnWrite),
	}
	if cfg.NodeID != "" {
		opts = append(opts, dsm.WithNodeID(dsm.NodeID(cfg.NodeID)))
	}
	return dsm.NewNode(client, opts...)
}

func parsePoke(s string) (uint64, byte, error) {
	off, val, ok := strings.Cut(s, "=")
	if !ok {
		return 0, 0, fmt.Errorf("poke %q: want offset=value", s)
	}
	o, err := strconv.ParseUint(off, 0, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("poke %q: bad offset: %w", s, err)
	}
	v, err := strconv.ParseUint(val, 0, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("poke %q: bad value: %w", s, err)
	}
	return o, byte(v), nil
}

func runRegion(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	node := newNode(client)
	region := node.NewRegion(regionID)
	base, err := region.Allocate(ctx, size)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := region.Teardown(tctx); err != nil {
			logger.Warn("teardown", zap.Error(err))
		}
	}()
	fmt.Printf("%#x\n", base)

	for _, p := range pokes {
		off, val, err := parsePoke(p)
		if err != nil {
			return err
		}
		if err := region.StoreByte(off, val); err != nil {
			return err
		}
		logger.Debug("poked", zap.Uint64("offset", off), zap.Uint8("value", val))
	}
	for _, off := range peeks {
		if off < 0 {
			return fmt.Errorf("peek %d: negative offset", off)
		}
		b, err := region.LoadByte(uint64(off))
		if err != nil {
			return err
		}
		fmt.Printf("[%d] = %d\n", off, b)
	}

	if hold {
		logger.Info("holding region", zap.String("region", regionID), zap.String("node", string(node.ID())))
		<-ctx.Done()
	}
	return nil
}

func regionInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	info, found, err := newNode(client).Registry().Lookup(ctx, regionID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("region %q is not registered", regionID)
	}
	fmt.Printf("region:    %s\nsize:      %d\npage size: %d\ncreator:   %s\n", info.ID, info.Size, info.PageSize, info.CreatorNode)
	return nil
}

func regionTeardown(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := newNode(client).Registry().Release(ctx, regionID); err != nil {
		return err
	}
	logger.Info("region metadata deleted", zap.String("region", regionID))
	return nil
}
