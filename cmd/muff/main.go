// muff flashes a disk image to one or more drives in parallel.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/pop-os/muff/internal/config"
	"github.com/pop-os/muff/internal/device"
	"github.com/pop-os/muff/internal/flash"
	"github.com/pop-os/muff/internal/image"
	"github.com/pop-os/muff/internal/logger"
	"github.com/pop-os/muff/internal/progress"
	"github.com/pop-os/muff/internal/store"
	"github.com/pop-os/muff/internal/ui"
)

var (
	flagConfig  string
	flagAll     bool
	flagCheck   bool
	flagUnmount bool
	flagYes     bool
)

func main() {
	root := &cobra.Command{
		Use:           "muff IMAGE [DISKS...]",
		Short:         "Flash an image to one or more drives in parallel",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runFlash,
	}

	root.Flags().BoolVarP(&flagAll, "all", "a", false, "flash all detected USB drives")
	root.Flags().BoolVarP(&flagCheck, "check", "c", false, "check written image matches read image")
	root.Flags().BoolVarP(&flagUnmount, "unmount", "u", false, "unmount mounted devices")
	root.Flags().BoolVarP(&flagYes, "yes", "y", false, "continue without confirmation")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")

	root.AddCommand(listCmd(), hashCmd(), historyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "muff: %v\n", err)
		printCauses(err)
		os.Exit(1)
	}
}

// printCauses renders the causal chain, one line per cause. An
// aggregate failure gets one chain per failed target.
func printCauses(err error) {
	var agg *flash.AggregateError
	if errors.As(err, &agg) {
		for _, f := range agg.Failures {
			fmt.Fprintf(os.Stderr, "    caused by: %v\n", f.Err)
			printChain(f.Err)
		}
		return
	}
	printChain(err)
}

func printChain(err error) {
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		fmt.Fprintf(os.Stderr, "    caused by: %v\n", cause)
	}
}

func runFlash(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level))
	if err != nil {
		// A broken log path must not block a flash.
		log = logger.NewWithWriter(os.Stderr, logger.LevelError)
	}

	imagePath := args[0]
	img, err := image.Open(imagePath)
	if err != nil {
		return err
	}

	diskPaths := args[1:]
	if flagAll {
		diskPaths, err = device.USBDisks()
		if err != nil {
			img.Close()
			return fmt.Errorf("error getting USB disks: %w", err)
		}
	}
	if len(diskPaths) == 0 {
		img.Close()
		return errors.New("no disks specified")
	}

	mounts, err := device.Mounts()
	if err != nil {
		img.Close()
		return fmt.Errorf("error reading mounts: %w", err)
	}

	disks, err := device.FromArgs(diskPaths, mounts, flagUnmount)
	if err != nil {
		img.Close()
		return fmt.Errorf("failed to open disks: %w", err)
	}

	closeAll := func() {
		img.Close()
		for _, d := range disks {
			d.File.Close()
		}
	}

	for _, d := range disks {
		size, err := device.Size(d.File)
		if err == nil && size > 0 && size < img.Size {
			closeAll()
			return fmt.Errorf("'%s' is too small: %s < %s",
				d.Path, humanize.IBytes(size), humanize.IBytes(img.Size))
		}
	}

	isTTY := isatty.IsTerminal(os.Stdout.Fd())

	if isTTY && !flagYes {
		if !confirm(imagePath, disks) {
			closeAll()
			return errors.New("exiting without flashing")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	task := flash.NewTask(img, flagCheck)
	startedAt := time.Now()
	log.Info("run %s: flashing '%s' (%s) to %d drives, check=%v",
		task.ID, imagePath, humanize.IBytes(img.Size), len(disks), flagCheck)

	buf := make([]byte, cfg.ChunkSize)

	var runErr error
	if isTTY {
		runErr = runInteractive(ctx, task, disks, img.Size, buf)
	} else {
		runErr = runMachine(ctx, task, disks, img.Size, buf)
	}

	recordRun(cfg, log, task, imagePath, img.Size, disks, startedAt, runErr)

	if runErr != nil {
		log.Error("run %s: %v", task.ID, runErr)
		return runErr
	}

	log.Info("run %s: finished", task.ID)
	if isTTY {
		fmt.Printf("Flashed %s to %d drives\n", humanize.IBytes(img.Size), len(disks))
	}
	return nil
}

// confirm asks before anything destructive happens. Only a plain "y"
// or "yes" proceeds.
func confirm(imagePath string, disks []device.Disk) bool {
	fmt.Fprintf(os.Stderr, "Are you sure you want to flash '%s' to the following drives?\n", imagePath)
	for _, d := range disks {
		fmt.Fprintf(os.Stderr, " - %s\n", d.Path)
	}
	fmt.Fprint(os.Stderr, "y/N: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.TrimSpace(line) {
	case "y", "yes":
		return true
	}
	return false
}

func runInteractive(ctx context.Context, task *flash.Task, disks []device.Disk, size uint64, buf []byte) error {
	u, err := ui.New(fmt.Sprintf("muff: flashing %d drives", len(disks)))
	if err != nil {
		// No usable terminal after all.
		return runMachine(ctx, task, disks, size, buf)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	u.OnStop(cancel)

	for _, d := range disks {
		bar := u.AddBar(d.Path, size)
		if err := task.Subscribe(d.File, d.Path, bar); err != nil {
			u.Close()
			return err
		}
	}

	runErr := task.Process(ctx, buf)
	u.Close()
	return runErr
}

func runMachine(ctx context.Context, task *flash.Task, disks []device.Disk, size uint64, buf []byte) error {
	queue := progress.NewQueue()

	paths := make([]string, len(disks))
	for i, d := range disks {
		paths[i] = d.Path
		if err := task.Subscribe(d.File, d.Path, progress.NewMachineSink(i, queue)); err != nil {
			return err
		}
	}

	relay := progress.NewRelay(os.Stdout, paths)
	if err := relay.WriteHeader(size); err != nil {
		return fmt.Errorf("writing event header: %w", err)
	}

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = relay.Run(queue)
	}()

	runErr := task.Process(ctx, buf)

	queue.Close()
	<-relayDone
	return runErr
}

func recordRun(cfg *config.Config, log *logger.Logger, task *flash.Task,
	imagePath string, imageSize uint64, disks []device.Disk, startedAt time.Time, runErr error) {

	if cfg.History.Path == "" {
		return
	}

	s, err := store.Open(cfg.History.Path)
	if err != nil {
		log.Warn("history unavailable: %v", err)
		return
	}
	defer s.Close()

	run := &store.Run{
		ID:        task.ID,
		Image:     imagePath,
		ImageSize: imageSize,
		Check:     flagCheck,
		StartedAt: startedAt,
		Status:    "success",
	}
	for _, d := range disks {
		run.Targets = append(run.Targets, d.Path)
	}
	if runErr != nil {
		run.Status = "failed"
		run.Error = runErr.Error()
	}

	if err := s.Save(run); err != nil {
		log.Warn("failed to record run %s: %v", task.ID, err)
	}
}
