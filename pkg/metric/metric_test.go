package metric_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
)

func TestRecord_LatencyWithoutTTFT(t *testing.T) {
	before := time.Now()
	m := metric.NewRecorder(nil).Record(context.Background(), "m1", "http://p1",
		metric.WithLatency(120*time.Millisecond),
	)

	ms, ok := m.LatencyMS()
	require.True(t, ok)
	assert.Equal(t, int64(120), ms)

	_, ok = m.TimeToFirstTokenUS()
	assert.False(t, ok)

	assert.Equal(t, "m1", m.ModelName())
	assert.Equal(t, "http://p1", m.ProviderURL())
	assert.WithinDuration(t, before, m.Timestamp(), time.Second)
}

func TestNew_UnitConversionAndAbsentFields(t *testing.T) {
	m := metric.New("", "", metric.WithTimeToFirstToken(1500*time.Microsecond), metric.WithLatency(-time.Second))

	us, ok := m.TimeToFirstTokenUS()
	require.True(t, ok)
	assert.Equal(t, int64(1500), us)

	d, ok := m.TimeToFirstToken()
	require.True(t, ok)
	assert.Equal(t, 1500*time.Microsecond, d)

	_, ok = m.Latency()
	assert.False(t, ok)

	v, ok := m.Value(metric.TypeTTFT)
	require.True(t, ok)
	assert.Equal(t, 1500.0, v)
	_, ok = m.Value(metric.TypeInflight)
	assert.False(t, ok)
}

func TestNew_Timestamp(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, at, metric.New("m", "u", metric.WithTimestamp(at)).Timestamp())
	assert.False(t, metric.New("m", "u", metric.WithTimestamp(time.Time{})).Timestamp().IsZero())
}

func TestMetric_JSONEncodesAbsentAsNull(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := metric.New("m1", "http://p1", metric.WithLatency(120*time.Millisecond), metric.WithTimestamp(at))

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Nil(t, raw["time_to_first_token_us"])
	assert.Contains(t, raw, "time_to_first_token_us")
	assert.EqualValues(t, 120, raw["latency_ms"])
	assert.Equal(t, "m1", raw["model_name"])

	var back metric.Metric
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Timestamp().Equal(at))
	_, ok := back.TimeToFirstTokenUS()
	assert.False(t, ok)
}

func TestParseType(t *testing.T) {
	for _, name := range []string{"ttft", "latency", "inflight", "performance"} {
		typ, err := metric.ParseType(name)
		require.NoError(t, err)
		assert.Equal(t, metric.Type(name), typ)
	}
	_, err := metric.ParseType("throughput")
	require.Error(t, err)
}

func TestRecorder_SinkErrorDoesNotFailRecord(t *testing.T) {
	boom := errors.New("sink down")
	var hooked error
	r := metric.NewRecorder(
		metric.SinkFunc(func(context.Context, metric.Metric) error { return boom }),
		metric.WithErrorHook(func(err error) { hooked = err }),
	)

	m := r.Record(context.Background(), "m1", "http://p1", metric.WithLatency(time.Millisecond))
	assert.Equal(t, "m1", m.ModelName())
	require.ErrorIs(t, hooked, boom)
}

func TestMultiSink_DeliversToAllAndJoinsErrors(t *testing.T) {
	var got []string
	ok := metric.SinkFunc(func(_ context.Context, m metric.Metric) error {
		got = append(got, m.ModelName())
		return nil
	})
	fail := metric.SinkFunc(func(context.Context, metric.Metric) error { return errors.New("fail") })

	err := metric.MultiSink{ok, fail, ok}.Append(context.Background(), metric.New("m", ""))
	require.Error(t, err)
	assert.Equal(t, []string{"m", "m"}, got)

	require.NoError(t, metric.MultiSink{ok}.Append(context.Background(), metric.New("m", "")))
}

func TestRecorder_NilIsUsable(t *testing.T) {
	var r *metric.Recorder
	m := r.Record(context.Background(), "m", "u")
	assert.Equal(t, "m", m.ModelName())
}
