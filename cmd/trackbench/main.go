// trackbench runs a YAML write workload against guest memory tracking and
// reports how much of the written memory queries had to treat as modified.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/memtrack/internal/bench"
)

func main() {
	workloadPath := flag.String("workload", "", "path to a YAML workload")
	iterations := flag.Int("iterations", 0, "override the workload iteration count")
	writers := flag.Int("writers", 0, "override the workload writer count")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*workloadPath, *iterations, *writers); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, iterations, writers int) error {
	if path == "" {
		return fmt.Errorf("-workload is required")
	}

	w, err := bench.LoadWorkload(path)
	if err != nil {
		return err
	}
	if iterations > 0 {
		w.Iterations = iterations
	}
	if writers > 0 {
		w.Writers = writers
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var progress func(int)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.NewOptions(w.Iterations,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("running"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		progress = func(int) { _ = bar.Add(1) }
	}

	res, err := bench.Run(ctx, w, progress)
	if err != nil {
		return err
	}

	fmt.Printf("iterations:       %d in %v\n", res.Iterations, res.Duration)
	fmt.Printf("writes:           %s (%s)\n", humanize.Comma(int64(res.Writes)), humanize.IBytes(res.BytesWritten))
	fmt.Printf("reported dirty:   %s\n", humanize.IBytes(res.DirtyBytes))
	fmt.Printf("regions:          %d virtual, %d physical\n", res.Tracking.VirtualRegions, res.Tracking.PhysicalRegions)
	fmt.Printf("reprotects:       %s virtual, %s physical\n",
		humanize.Comma(int64(res.Tracking.VirtualReprotects)), humanize.Comma(int64(res.Tracking.PhysicalReprotects)))
	fmt.Printf("faults:           %s virtual, %s physical, %s untracked\n",
		humanize.Comma(int64(res.Tracking.VirtualFaults)),
		humanize.Comma(int64(res.Tracking.PhysicalFaults)),
		humanize.Comma(int64(res.Tracking.UntrackedPhysicalFaults)))
	fmt.Printf("always dirty:     %d handles\n", res.Tracking.AlwaysDirtyHandles)
	fmt.Printf("buffer cache:     %d hits, %d misses, %s synchronized\n",
		res.Buffers.Hits, res.Buffers.Misses, humanize.IBytes(res.Buffers.SyncedBytes))
	return nil
}
