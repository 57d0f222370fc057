// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func histogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestRecordRejoin(t *testing.T) {
	ok := testutil.ToFloat64(RejoinTotal.WithLabelValues("ok"))
	skipped := testutil.ToFloat64(RejoinTotal.WithLabelValues("skipped"))
	observed := histogramCount(t, RejoinDuration)

	RecordRejoin("ok", 20*time.Millisecond)
	RecordRejoin("skipped", 0)

	assert.Equal(t, ok+1, testutil.ToFloat64(RejoinTotal.WithLabelValues("ok")))
	assert.Equal(t, skipped+1, testutil.ToFloat64(RejoinTotal.WithLabelValues("skipped")))
	assert.Equal(t, observed+1, histogramCount(t, RejoinDuration), "skipped re-joins are not timed")
}

func TestEmptyLabelsNormalize(t *testing.T) {
	before := testutil.ToFloat64(CacheEventsTotal.WithLabelValues("unknown"))
	RecordCacheEvent("")
	assert.Equal(t, before+1, testutil.ToFloat64(CacheEventsTotal.WithLabelValues("unknown")))
}

func TestSetConnected(t *testing.T) {
	SetConnected(true)
	assert.Equal(t, 1.0, GetConnected())
	SetConnected(false)
	assert.Equal(t, 0.0, GetConnected())
}

func TestDispatchLabels(t *testing.T) {
	before := testutil.ToFloat64(DispatchTotal.WithLabelValues("LIVE_INSTANCE", "CALLBACK"))
	RecordDispatch("LIVE_INSTANCE", "CALLBACK")
	assert.Equal(t, before+1, testutil.ToFloat64(DispatchTotal.WithLabelValues("LIVE_INSTANCE", "CALLBACK")))
}
