// Package main provides the gpuvec CLI entry point.
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openfluke/gpuvec/config"
	"github.com/openfluke/gpuvec/detector"
	"github.com/openfluke/gpuvec/gpu"
	"github.com/openfluke/gpuvec/kernels"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gpuvec",
		Short: "gpuvec - elementwise vector ops on the GPU",
		Long: `gpuvec compiles an elementwise WGSL kernel once, binds persistent
input and output buffers to it, and dispatches f(A, B) over fixed-length
vectors through WebGPU.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", getEnvStr("GPUVEC_CONFIG", "gpuvec.yaml"), "Config file (missing file is ignored)")
	rootCmd.PersistentFlags().String("power", "", "Adapter preference: high-performance or low-power")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().Bool("debug", false, "Log every GPU resource created and dispatched")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gpuvec v%s (%s)\n", version, commit)
		},
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch f(A, B) over random vectors and print the result",
		RunE:  runRun,
	}
	runCmd.Flags().Int("length", 0, "Elements per vector")
	runCmd.Flags().String("element", "", "Element type: f32, i32 or u32")
	runCmd.Flags().String("op", "", "Op: "+strings.Join(kernels.Names(), ", "))
	runCmd.Flags().String("kernel-file", "", "Custom WGSL kernel (overrides --op)")
	runCmd.Flags().Int64("seed", time.Now().UnixNano(), "Random seed for the input vectors")
	runCmd.Flags().Int("repeat", 1, "Dispatches to run over the same pipeline")
	runCmd.Flags().Bool("verify", false, "Check every result against the CPU reference")
	rootCmd.AddCommand(runCmd)

	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Report the selected adapter and its limits as JSON",
		RunE:  runDetect,
	}
	rootCmd.AddCommand(detectCmd)

	kernelCmd := &cobra.Command{
		Use:   "kernel [file.wgsl]",
		Short: "Print the generated kernel, or check a WGSL file on the host",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runKernel,
	}
	kernelCmd.Flags().String("op", "add", "Op to render")
	kernelCmd.Flags().String("element", "f32", "Element type to render")
	rootCmd.AddCommand(kernelCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers changed flags over file and environment settings and
// configures logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("power") {
		cfg.Device.PowerPreference, _ = flags.GetString("power")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("debug") {
		cfg.Logging.Debug, _ = flags.GetBool("debug")
	}
	if flags.Lookup("length") != nil && flags.Changed("length") {
		cfg.Pipeline.Length, _ = flags.GetInt("length")
	}
	if flags.Lookup("element") != nil && flags.Changed("element") {
		cfg.Pipeline.Element, _ = flags.GetString("element")
	}
	if flags.Lookup("op") != nil && flags.Changed("op") {
		cfg.Pipeline.Op, _ = flags.GetString("op")
	}
	if flags.Lookup("kernel-file") != nil && flags.Changed("kernel-file") {
		cfg.Pipeline.KernelFile, _ = flags.GetString("kernel-file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging, cmd.ErrOrStderr())
	gpu.Logger().WithField("config", cfg.String()).Debug("configuration loaded")
	return cfg, nil
}

func setupLogging(lc config.LoggingConfig, w io.Writer) {
	log := logrus.New()
	log.SetOutput(w)
	lvl, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	if lc.Debug {
		lvl = logrus.DebugLevel
	}
	log.SetLevel(lvl)
	if strings.EqualFold(lc.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	gpu.SetLogger(log)
	gpu.Debug = lc.Debug
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	seed, _ := cmd.Flags().GetInt64("seed")
	repeat, _ := cmd.Flags().GetInt("repeat")
	verify, _ := cmd.Flags().GetBool("verify")
	if repeat < 1 {
		repeat = 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := gpu.Open(cfg.ContextOptions())
	if err != nil {
		return err
	}
	defer c.Close()

	rng := rand.New(rand.NewSource(seed))
	r := runner{cfg: cfg, out: cmd.OutOrStdout(), repeat: repeat, verify: verify}
	switch cfg.Pipeline.Element {
	case "i32":
		return runTyped(ctx, c, r, func() int32 { return rng.Int31n(2001) - 1000 })
	case "u32":
		return runTyped(ctx, c, r, func() uint32 { return uint32(rng.Int31n(1001)) })
	default:
		return runTyped(ctx, c, r, rng.Float32)
	}
}

type runner struct {
	cfg    *config.Config
	out    io.Writer
	repeat int
	verify bool
}

func runTyped[T gpu.Element](ctx context.Context, c *gpu.Context, r runner, gen func() T) error {
	src, err := kernelFor[T](r.cfg)
	if err != nil {
		return err
	}
	m, err := gpu.NewPipelineManager[T](c, r.cfg.ManagerOptions(src))
	if err != nil {
		return err
	}
	defer m.Close()

	verify := r.verify
	if verify {
		if err := verifiable[T](r.cfg); err != nil {
			gpu.Logger().WithError(err).Warn("skipping --verify")
			verify = false
		}
	}

	n := r.cfg.Pipeline.Length
	for i := 0; i < r.repeat; i++ {
		a, b := make([]T, n), make([]T, n)
		for j := range a {
			a[j], b[j] = gen(), gen()
		}
		res, err := m.Compute(ctx, a, b)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "A: %v\n", a)
		fmt.Fprintf(r.out, "B: %v\n", b)
		fmt.Fprintf(r.out, "f(A, B): %v\n", res)
		if verify {
			if err := kernels.Verify(r.cfg.Pipeline.Op, a, b, res, 1e-5); err != nil {
				return err
			}
			fmt.Fprintln(r.out, "verified against CPU reference")
		}
	}
	return nil
}

// verifiable reports why results for cfg cannot be checked on the CPU, or nil
// if they can.
func verifiable[T gpu.Element](cfg *config.Config) error {
	if cfg.Pipeline.KernelFile != "" {
		return fmt.Errorf("custom kernel %s has no CPU reference", cfg.Pipeline.KernelFile)
	}
	_, err := kernels.Scalar[T](cfg.Pipeline.Op)
	return err
}

func kernelFor[T gpu.Element](cfg *config.Config) (gpu.KernelSource, error) {
	if cfg.Pipeline.KernelFile != "" {
		return kernels.FromFile(cfg.Pipeline.KernelFile)
	}
	return kernels.Kernel[T](cfg.Pipeline.Op)
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	js, err := detector.DetectJSON(cfg.ContextOptions())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), js)
	return nil
}

func runKernel(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		src, err := kernels.FromFile(args[0])
		if err != nil {
			return err
		}
		bindings, diags := gpu.ScanWGSL(src.Code, src.EntryPoint)
		if len(diags) > 0 {
			return &gpu.CompileError{Label: src.Label, Diagnostics: diags}
		}
		for _, b := range bindings {
			fmt.Fprintf(out, "@group(%d) @binding(%d) %s : array<%s> (%s)\n", b.Group, b.Binding, b.Name, b.ElementType, b.Access)
		}
		return nil
	}

	opName, _ := cmd.Flags().GetString("op")
	elem, _ := cmd.Flags().GetString("element")
	op, err := kernels.Lookup(opName)
	if err != nil {
		return err
	}
	switch elem {
	case "f32", "i32", "u32":
	default:
		return fmt.Errorf("unknown element type %q", elem)
	}
	fmt.Fprint(out, kernels.Source(op, elem))
	return nil
}

func getEnvStr(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
