package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

// ProgressBar shows per-epoch step progress with the latest metrics in its
// description.
type ProgressBar struct {
	description string
	bar         *progressbar.ProgressBar
}

// NewProgressBar creates a new progress bar writing to w
func NewProgressBar(w io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		description: description,
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(description),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionShowIts(),
		),
	}
}

// Update moves the bar to step and shows metrics next to the description
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.bar.Describe(pb.description + formatMetrics(metrics))
	_ = pb.bar.Set(step)
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	_ = pb.bar.Finish()
}

func formatMetrics(metrics map[string]float64) string {
	if len(metrics) == 0 {
		return ""
	}
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%.4f", k, metrics[k])
	}
	return b.String()
}
