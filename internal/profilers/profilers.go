// Package profilers wires optional profiling into the training binaries: an
// HTTP pprof server (-prof) and a CPU profile written to disk (-cpu_profile).
package profilers

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, serves the HTTP profiler at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "write cpu profile to `file`")
)

var (
	profilerAddr string
	cpuProfile   *os.File

	// setupCtx is set by Setup, OnQuit blocks on it while the HTTP profiler
	// is being kept alive.
	setupCtx context.Context
)

// Setup starts the profilers configured through the -prof and -cpu_profile
// flags, if any. It fails if the CPU profile file cannot be created or the
// profiler port cannot be bound. Follow with a deferred call to OnQuit.
func Setup(ctx context.Context) error {
	setupCtx = ctx
	if *flagProfiler >= 0 {
		if err := startHTTPProfiler(*flagProfiler); err != nil {
			return err
		}
	}
	if *flagCPUProfile != "" {
		if err := startCPUProfile(*flagCPUProfile); err != nil {
			return err
		}
	}
	return nil
}

// OnQuit flushes the CPU profile and, if the HTTP profiler is on, keeps the
// program alive until interrupted so the profile of the finished run can
// still be inspected. Call it deferred, right after Setup.
func OnQuit() {
	if cpuProfile != nil {
		pprof.StopCPUProfile()
		if err := cpuProfile.Close(); err != nil {
			klog.Errorf("Failed to close CPU profile %s: %v", cpuProfile.Name(), err)
		}
	}
	if profilerAddr != "" {
		keepAliveForProfiler()
	}
}

func startCPUProfile(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create CPU profile file %s", filePath)
	}
	if err = pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "failed to start CPU profiling")
	}
	cpuProfile = f
	return nil
}

// startHTTPProfiler binds the profiler port immediately, so a busy port
// surfaces as an error, and serves the pprof handlers in the background.
func startHTTPProfiler(port int) error {
	addr := fmt.Sprintf("localhost:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to bind profiler address %s", addr)
	}
	profilerAddr = addr
	fmt.Printf("Starting profiler on %s/debug/pprof\n", addr)
	fmt.Printf("- You can access it with: $ go tool pprof %s/debug/pprof/heap\n", addr)
	fmt.Printf("- Program will be kept alive on end, you will have to interrupt it (Ctrl+C) to exit\n")
	go func() {
		if err := http.Serve(listener, nil); err != nil {
			klog.Errorf("HTTP profiler server stopped: %v", err)
		}
	}()
	return nil
}

// keepAliveForProfiler blocks until the program is interrupted, so the heap
// profile of the finished run can still be read.
func keepAliveForProfiler() {
	// Don't freeze on panic.
	if err := recover(); err != nil {
		panic(err)
	}
	if setupCtx.Err() != nil {
		// Already interrupted.
		return
	}

	// Garbage collect, to see if there is anything leaking.
	for range 10 {
		runtime.GC()
	}
	fmt.Printf("- Program finished: kept alive with profiler opened at %s/debug/pprof\n", profilerAddr)
	fmt.Printf("- Interrupt (Ctrl+C) to exit\n")
	<-setupCtx.Done()
	fmt.Printf("... exiting ...\n")
}
