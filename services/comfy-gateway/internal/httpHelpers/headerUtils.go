package httpHelpers

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Timings collects the gateway's phase durations (queue-time against the
// ComfyUI prompt queue, probe-time for the readiness probe) keyed by metric
// name for the Server-Timing response header.
type Timings map[string]time.Duration

// WriteTimings renders the collected phases as a Server-Timing header so the
// caller can see where a launch request spent its time.
func WriteTimings(w http.ResponseWriter, timings Timings) {
	timingEntries := make([]string, 0, len(timings))
	for k, v := range timings {
		timingEntries = append(timingEntries, fmt.Sprintf("%s;dur=%.2f", k, v.Seconds()*1000.0))
	}
	w.Header().Set("Server-Timing", strings.Join(timingEntries, ","))
}
