package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func newTestReporter(buf *bytes.Buffer) *Reporter {
	l := zerolog.New(buf)
	return NewReporter(Options{
		Logger:         &l,
		MonitorLimiter: rate.NewLimiter(rate.Inf, 1),
	})
}

func TestNewReporter_NilLoggerIsSafeNoOp(t *testing.T) {
	assert := assert.New(t)
	r := NewReporter(Options{})
	assert.NotPanics(func() {
		r.Line("tcpstate", "hello %d", 1)
		r.Tick("tcpstate", Snapshot{{Name: "pkts", Value: 1}})
	})
}

func TestLine_EmitsPluginTaggedMessage(t *testing.T) {
	assert := assert.New(t)
	var buf bytes.Buffer
	r := newTestReporter(&buf)

	r.Line("dhcp", "saw %d offers", 3)

	var fields map[string]any
	assert.NoError(json.Unmarshal(buf.Bytes(), &fields))
	assert.Equal("dhcp", fields["plugin"])
	assert.Equal("saw 3 offers", fields["message"])
}

func TestTick_FirstCallReportsRawValues(t *testing.T) {
	assert := assert.New(t)
	var buf bytes.Buffer
	r := newTestReporter(&buf)

	ok := r.Tick("voip", Snapshot{{Name: "sipPkts", Value: 10}})
	assert.True(ok)

	var fields map[string]any
	assert.NoError(json.Unmarshal(buf.Bytes(), &fields))
	assert.EqualValues(10, fields["sipPkts"])
	assert.True(r.HeaderSent("voip"))
}

func TestTick_SecondCallReportsDeltaSinceLastTick(t *testing.T) {
	assert := assert.New(t)
	var buf bytes.Buffer
	r := newTestReporter(&buf)

	r.Tick("voip", Snapshot{{Name: "sipPkts", Value: 10}})
	buf.Reset()
	r.Tick("voip", Snapshot{{Name: "sipPkts", Value: 14}})

	var fields map[string]any
	assert.NoError(json.Unmarshal(buf.Bytes(), &fields))
	assert.EqualValues(4, fields["sipPkts"])
}

func TestTick_ThrottledByRateLimiterReturnsFalse(t *testing.T) {
	assert := assert.New(t)
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	r := NewReporter(Options{
		Logger:         &l,
		MonitorLimiter: rate.NewLimiter(rate.Every(time.Hour), 1),
	})

	assert.True(r.Tick("ospf", Snapshot{{Name: "pkts", Value: 1}}))
	assert.False(r.Tick("ospf", Snapshot{{Name: "pkts", Value: 2}}))
}

func TestPercent_ZeroTotalReturnsZero(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(0.0, Percent(5, 0))
	assert.InDelta(50.0, Percent(5, 10), 0.001)
}

func TestSummary_AnnotatesPercentageOfTotal(t *testing.T) {
	assert := assert.New(t)
	var buf bytes.Buffer
	r := newTestReporter(&buf)

	r.Summary("basicstats", 100, Snapshot{{Name: "tcpPkts", Value: 25}})

	assert.Contains(buf.String(), "25")
	assert.True(strings.Contains(buf.String(), "25.00"))
}

func TestStatusHex_FormatsAsEightHexDigits(t *testing.T) {
	assert := assert.New(t)
	var buf bytes.Buffer
	r := newTestReporter(&buf)

	r.StatusHex("tcpstate", "tcpStatus", 0xDEADBEEF)

	assert.Contains(buf.String(), "deadbeef")
}

func TestSaveState_RestoreStateRoundTripsAndResumesDelta(t *testing.T) {
	assert := assert.New(t)
	var log bytes.Buffer
	r := newTestReporter(&log)
	r.Tick("voip", Snapshot{{Name: "sipPkts", Value: 40}})

	var state bytes.Buffer
	assert.NoError(r.SaveState(&state))

	var resumedLog bytes.Buffer
	resumed := newTestReporter(&resumedLog)
	assert.False(resumed.HeaderSent("voip"))
	assert.NoError(resumed.RestoreState(&state))
	assert.True(resumed.HeaderSent("voip"))

	resumed.Tick("voip", Snapshot{{Name: "sipPkts", Value: 46}})

	var fields map[string]any
	assert.NoError(json.Unmarshal(resumedLog.Bytes(), &fields))
	assert.EqualValues(6, fields["sipPkts"])
}

func TestRestoreState_InvalidJSONReturnsError(t *testing.T) {
	assert := assert.New(t)
	var buf bytes.Buffer
	r := newTestReporter(&buf)

	assert.Error(r.RestoreState(strings.NewReader("not json")))
}
