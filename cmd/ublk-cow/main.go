package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ublkcow/ublkcow"
	"github.com/ublkcow/ublkcow/cow"
	"github.com/ublkcow/ublkcow/internal/logging"
)

func main() {
	var (
		verbose     = flag.Bool("v", false, "Verbose output")
		jobPoolCap  = flag.Int("job-pool", cow.DefaultJobPoolCapacity, "Max in-flight copy-on-write jobs")
		workerCount = flag.Int("workers", cow.DefaultWorkerCount, "Max concurrently copying jobs")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <origin-path> <cow-path>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Exposes <origin-path> as a copy-on-write block device, redirecting every\nwrite to <cow-path> and leaving the origin untouched.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	originPath, cowPath := flag.Arg(0), flag.Arg(1)

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cowOpts := cow.DefaultOptions()
	cowOpts.JobPoolCapacity = *jobPoolCap
	cowOpts.WorkerCount = *workerCount
	cowOpts.Logger = logger

	logger.Info("activating copy-on-write target", "origin", originPath, "cow", cowPath)
	target, err := cow.Activate(ctx, []string{originPath, cowPath}, cowOpts)
	if err != nil {
		logger.Error("failed to activate copy-on-write target", "error", err)
		os.Exit(1)
	}
	defer target.Close()

	// DefaultParams detects that target implements ublk.ChunkedBackend and
	// clamps MaxIOSize to its chunk size (4KiB) rather than the generic
	// 1MB default, satisfying invariant I3 at the host-dispatch
	// level instead of leaving it to Device.checkSingleChunk alone.
	params := ublk.DefaultParams(target)
	params.QueueDepth = 32
	params.NumQueues = 1
	// Critical for kernel 6.11+: use ioctl-encoded control commands.
	params.EnableIoctlEncode = true

	options := target.RunnerOptions()

	device, err := ublk.CreateAndServe(ctx, params, options)
	if err != nil {
		logger.Error("failed to create device", "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("stopping device")
		if err := ublk.StopAndDelete(context.Background(), device); err != nil {
			logger.Error("error stopping device", "error", err)
		}
	}()

	logger.Info("device created successfully",
		"block_device", device.Path,
		"char_device", device.CharPath,
		"origin", originPath,
		"cow", cowPath,
		"size_bytes", target.Size())

	fmt.Printf("Device created: %s\n", device.Path)
	fmt.Printf("Character device: %s\n", device.CharPath)
	fmt.Printf("Origin: %s (read-only)\n", originPath)
	fmt.Printf("Cow store: %s\n", cowPath)
	fmt.Printf("\nPress Ctrl+C to stop...\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	cleanupDone := make(chan struct{})
	go func() {
		if err := ublk.StopAndDelete(context.Background(), device); err != nil {
			logger.Error("error stopping device", "error", err)
		}
		m := target.Metrics().Snapshot()
		logger.Info("final cow metrics",
			"jobs_started", m.JobsStarted,
			"jobs_completed", m.JobsCompleted,
			"jobs_failed", m.JobsFailed,
			"copy_bytes", m.CopyBytes,
			"bitmap_persists", m.BitmapPersists)
		close(cleanupDone)
	}()

	select {
	case <-cleanupDone:
	case <-time.After(5 * time.Second):
		logger.Info("cleanup timeout, forcing exit")
	}

	os.Exit(0)
}
