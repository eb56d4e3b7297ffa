// Package progress prints training progress to the terminal and handles
// graceful interruption.
package progress

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/arbor/internal/classifier"
)

// SafeInterrupt captures SIGINT (Ctrl+C) and SIGTERM and calls onInterrupt.
// If the program hasn't exited after gracePeriod, it force-exits.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}
		time.Sleep(gracePeriod)
		klog.Fatalf("Graceful shutdown period (%s) expired, exiting.", gracePeriod)
	}()
}

var (
	epochStyle = lipgloss.NewStyle().Bold(true)
	lossStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// Reporter prints one styled line per epoch, fitted to the terminal width.
type Reporter struct {
	epochs int
	start  time.Time
}

// NewReporter creates a reporter for a training run of the given number of
// epochs.
func NewReporter(epochs int) *Reporter {
	return &Reporter{epochs: epochs, start: time.Now()}
}

// Report prints the epoch's stats. It is meant to be passed to
// Classifier.Fit as its report callback.
func (r *Reporter) Report(stats classifier.EpochStats) {
	line := strings.Join([]string{
		epochStyle.Render(fmt.Sprintf("Epoch %d/%d", stats.Epoch+1, r.epochs)),
		lossStyle.Render(fmt.Sprintf("loss %.4f", stats.MeanLoss)),
		errorStyle.Render(fmt.Sprintf("validation error %.2f%%", 100*stats.ValidationError)),
		fmt.Sprintf("(%s)", time.Since(r.start).Round(time.Second)),
	}, "  ")
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		line = fitWidth(line, width)
	}
	fmt.Println(line)
}

// fitWidth truncates the line to the given number of terminal cells, keeping
// any styling escape sequences intact.
func fitWidth(line string, width int) string {
	if width <= 0 || lipgloss.Width(line) <= width {
		return line
	}
	return ansi.Truncate(line, width, "")
}
