// Package report implements the operator report stream and monitoring
// ticks: free-form "[plugin] message" lines, a structured periodic
// monitoring row with delta-since-last-tick values, and the aggregate
// status/count dump emitted at end of capture.
//
// A Reporter embeds a *zerolog.Logger field that defaults to zerolog.Nop()
// when unset, so callers can log directly through the Reporter without a
// nil check at every call site.
package report

import (
	"encoding/json"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options configures a Reporter. Do not modify after NewReporter.
type Options struct {
	Logger *zerolog.Logger // if nil, logging is disabled

	// MonitorInterval is the nominal spacing between Tick calls; it is
	// only used to size the default rate limiter when MonitorLimiter is
	// nil (one tick allowed per interval, one token of burst).
	MonitorInterval time.Duration

	// MonitorLimiter throttles how often Tick actually emits a row. If
	// nil, one is derived from MonitorInterval.
	MonitorLimiter *rate.Limiter
}

// DefaultMonitorInterval is the fallback spacing between monitoring ticks
// when neither MonitorInterval nor MonitorLimiter is configured.
const DefaultMonitorInterval = 5 * time.Second

// Metric is one named counter in a monitoring Snapshot.
type Metric struct {
	Name  string
	Value uint64
}

// Snapshot is one plugin's ordered counters at the moment of a Tick call.
// The order is significant: Tick diffs each entry against the previous
// snapshot by position, not by name lookup.
type Snapshot []Metric

// Reporter is the operator report stream: free-form lines, monitoring
// ticks, and the final aggregate dump.
type Reporter struct {
	*zerolog.Logger
	Options Options

	limiter *rate.Limiter

	headerSent map[string]bool     // per-plugin: has a monitoring header already been emitted?
	previous   map[string]Snapshot // per-plugin: last tick's cumulative values, for delta
}

// NewReporter returns a Reporter over opts. A nil opts.Logger disables
// logging (the report calls become no-ops but remain safe to call).
func NewReporter(opts Options) *Reporter {
	r := &Reporter{Options: opts}

	if opts.Logger != nil {
		r.Logger = opts.Logger
	} else {
		l := zerolog.Nop()
		r.Logger = &l
	}

	if opts.MonitorLimiter != nil {
		r.limiter = opts.MonitorLimiter
	} else {
		interval := opts.MonitorInterval
		if interval <= 0 {
			interval = DefaultMonitorInterval
		}
		r.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	r.headerSent = make(map[string]bool)
	r.previous = make(map[string]Snapshot)
	return r
}

// Line emits one "[plugin] message" operator report line. It is a thin
// formatter over a structured zerolog event, so the same line is also
// available as structured output (Str("plugin", plugin)).
func (r *Reporter) Line(plugin, format string, args ...any) {
	r.Info().Str("plugin", plugin).Msgf(format, args...)
}

// Warn emits a "[plugin] message" line at warning level, used for
// non-fatal recoverable conditions such as a full flow table or an
// observed timestamp regression.
func (r *Reporter) Warn(plugin, format string, args ...any) {
	r.Logger.Warn().Str("plugin", plugin).Msgf(format, args...)
}

// Tick reports snap under plugin's name if the monitor rate limiter
// allows it now, returning false if the tick was throttled. The first
// call for a given plugin emits the header implicitly by sending every
// metric's full name alongside its value; subsequent calls report
// delta-since-last-tick.
func (r *Reporter) Tick(plugin string, snap Snapshot) bool {
	if !r.limiter.Allow() {
		return false
	}

	ev := r.Info().Str("plugin", plugin).Time("tick", time.Now())
	prev := r.previous[plugin]
	for i, m := range snap {
		delta := m.Value
		if i < len(prev) && prev[i].Name == m.Name {
			delta = m.Value - prev[i].Value
		}
		ev = ev.Uint64(m.Name, delta)
	}
	ev.Msg("monitor")

	r.headerSent[plugin] = true
	r.previous[plugin] = snap
	return true
}

// HeaderSent reports whether Tick has already fired at least once for
// plugin, so a caller also writing a plain-text monitoring file knows
// whether to print snap's column names before this tick's values.
func (r *Reporter) HeaderSent(plugin string) bool { return r.headerSent[plugin] }

// Percent returns 100*part/total, or 0 if total is 0, for the
// percentage-of-total figures the end-of-capture dump reports alongside
// raw packet counts.
func Percent(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(part) / float64(total)
}

// Summary emits one end-of-capture line per metric, each annotated with
// its percentage of total when total is non-zero.
func (r *Reporter) Summary(plugin string, total uint64, snap Snapshot) {
	for _, m := range snap {
		if total > 0 {
			r.Line(plugin, "%s: %d [%.2f%%]", m.Name, m.Value, Percent(m.Value, total))
		} else {
			r.Line(plugin, "%s: %d", m.Name, m.Value)
		}
	}
}

// StatusHex emits one end-of-capture line reporting an aggregate status
// bitfield in hex.
func (r *Reporter) StatusHex(plugin, name string, bits uint32) {
	r.Line(plugin, "%s: 0x%08x", name, bits)
}

// SaveState encodes every plugin's last-reported Snapshot as one printable
// JSON object: each dissector's process-wide aggregate bitfields, opaquely
// encoded so a capture can be resumed. The
// Reporter's own per-plugin snapshots are the only process-wide aggregate
// state this package owns; a dissector with further private aggregate
// state saves its own under the same plugin key before calling this (see
// DESIGN.md).
func (r *Reporter) SaveState(w io.Writer) error {
	return json.NewEncoder(w).Encode(r.previous)
}

// RestoreState reads back a stream written by SaveState, so Tick's first
// post-restore call reports a delta against the resumed capture's prior
// values instead of treating every plugin as freshly started.
func (r *Reporter) RestoreState(rd io.Reader) error {
	restored := make(map[string]Snapshot)
	if err := json.NewDecoder(rd).Decode(&restored); err != nil {
		return err
	}
	for plugin, snap := range restored {
		r.previous[plugin] = snap
		r.headerSent[plugin] = true
	}
	return nil
}
