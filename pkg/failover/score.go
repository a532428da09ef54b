package failover

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/models"
)

// Weights are the additive contributions of each scoring factor.
type Weights struct {
	MultiSourceFailure float64
	HighRetryCount     float64
	CriticalSeverity   float64
	ServerDown         float64
	// HighRetryThreshold is the retry count at which HighRetryCount applies.
	HighRetryThreshold int
}

// DefaultWeights returns the stock scoring weights.
func DefaultWeights() Weights {
	return Weights{
		MultiSourceFailure: constants.WeightMultiSourceFailure,
		HighRetryCount:     constants.WeightHighRetryCount,
		CriticalSeverity:   constants.WeightCriticalSeverity,
		ServerDown:         constants.WeightServerDown,
		HighRetryThreshold: constants.HighRetryCount,
	}
}

// Options tune a Bus and its scoring.
type Options struct {
	Window             time.Duration
	Debounce           time.Duration
	HistorySize        int
	Threshold          float64
	EmergencyThreshold float64
	Weights            Weights

	// Now is the clock used to timestamp and window events.
	Now func() time.Time
}

// DefaultOptions returns the stock bus options.
func DefaultOptions() Options {
	return Options{
		Window:             constants.DefaultEventWindow,
		Debounce:           constants.DefaultDebounce,
		HistorySize:        constants.DefaultHistorySize,
		Threshold:          constants.DefaultFailoverThreshold,
		EmergencyThreshold: constants.DefaultEmergencyThreshold,
		Weights:            DefaultWeights(),
		Now:                time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Window <= 0 {
		o.Window = d.Window
	}
	if o.Debounce <= 0 {
		o.Debounce = d.Debounce
	}
	if o.HistorySize <= 0 {
		o.HistorySize = d.HistorySize
	}
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.EmergencyThreshold <= 0 {
		o.EmergencyThreshold = d.EmergencyThreshold
	}
	if o.Weights == (Weights{}) {
		o.Weights = d.Weights
	}
	if o.Weights.HighRetryThreshold <= 0 {
		o.Weights.HighRetryThreshold = d.Weights.HighRetryThreshold
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// InWindow returns the events of history no older than window at now, in order.
func InWindow(history []models.FailoverEvent, now time.Time, window time.Duration) []models.FailoverEvent {
	cutoff := now.Add(-window)
	var out []models.FailoverEvent
	for _, e := range history {
		if e.Timestamp.Before(cutoff) || e.Timestamp.After(now) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Score computes a decision from the events of history inside the window at now.
// It depends on nothing but its arguments.
func Score(history []models.FailoverEvent, now time.Time, opts Options) models.FailoverDecision {
	opts = opts.withDefaults()
	window := InWindow(history, now, opts.Window)

	decision := models.FailoverDecision{Timestamp: now}
	if len(window) == 0 {
		decision.Reason = "no recent events"
		return decision
	}

	for _, e := range window {
		if e.Type == models.EventManualTrigger {
			decision.ShouldFailover = true
			decision.Confidence = constants.WeightManualTrigger
			decision.ContributingEvents = []models.FailoverEvent{e}
			decision.Reason = "manual trigger"
			if e.Data.Message != "" {
				decision.Reason += ": " + e.Data.Message
			}
			return decision
		}
	}

	w := opts.Weights
	failingSources := map[string]bool{}
	var (
		reasons      []string
		contributing = make([]bool, len(window))
		highRetry    bool
		critical     bool
		serverDown   []string
	)
	for i, e := range window {
		if e.Type == models.EventConnectionFailure {
			failingSources[e.Source] = true
			contributing[i] = true
			if e.Data.RetryCount != nil && *e.Data.RetryCount >= w.HighRetryThreshold {
				highRetry = true
			}
		}
		if e.Severity == models.SeverityCritical {
			critical = true
			contributing[i] = true
		}
		if e.Type == models.EventServerDown {
			serverDown = append(serverDown, e.Source)
			contributing[i] = true
		}
	}

	confidence := 0.0
	if len(failingSources) >= 2 {
		confidence += w.MultiSourceFailure
		reasons = append(reasons, fmt.Sprintf("connection failures from %s", joinSorted(failingSources)))
	}
	if highRetry {
		confidence += w.HighRetryCount
		reasons = append(reasons, fmt.Sprintf("retry count reached %d", w.HighRetryThreshold))
	}
	if critical {
		confidence += w.CriticalSeverity
		reasons = append(reasons, "critical severity reported")
	}
	if len(serverDown) > 0 {
		confidence += w.ServerDown
		reasons = append(reasons, "server down reported by "+strings.Join(dedupe(serverDown), ", "))
	}
	if confidence > 1 {
		confidence = 1
	}

	for i, e := range window {
		if contributing[i] {
			decision.ContributingEvents = append(decision.ContributingEvents, e)
		}
	}
	decision.Confidence = confidence
	decision.ShouldFailover = confidence >= opts.Threshold
	if len(reasons) == 0 {
		decision.Reason = "no failure signals"
	} else {
		decision.Reason = strings.Join(reasons, "; ")
	}
	return decision
}

func joinSorted(set map[string]bool) string {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func dedupe(vals []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
