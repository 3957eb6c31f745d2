package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbmazz/dbmazz/internal/engine"
	"github.com/dbmazz/dbmazz/internal/lsn"
	"github.com/dbmazz/dbmazz/internal/metrics"
)

type fakeController struct {
	stage        engine.Stage
	lsns         *lsn.Triple
	counters     metrics.Snapshot
	lastErr      error
	paused       bool
	resumed      bool
	drainErr     error
	drainCalled  bool
	reconfigured bool
	gotFlushSize *int
	gotInterval  *time.Duration
}

func (f *fakeController) Stage() engine.Stage        { return f.stage }
func (f *fakeController) LSNs() *lsn.Triple          { return f.lsns }
func (f *fakeController) Counters() metrics.Snapshot { return f.counters }
func (f *fakeController) LastError() error           { return f.lastErr }
func (f *fakeController) Pause()                     { f.paused = true }
func (f *fakeController) Resume()                    { f.resumed = true }
func (f *fakeController) Drain(ctx context.Context) error {
	f.drainCalled = true
	return f.drainErr
}
func (f *fakeController) Reconfigure(flushSize *int, flushInterval *time.Duration) {
	f.reconfigured = true
	f.gotFlushSize = flushSize
	f.gotInterval = flushInterval
}

func newTestServer(t *testing.T, ctrl *fakeController) (*httptest.Server, *bool) {
	t.Helper()
	canceled := false
	srv := New(ctrl, func() { canceled = true }, Options{}, nil)
	return httptest.NewServer(srv.http.Handler), &canceled
}

func TestGetStage(t *testing.T) {
	ctrl := &fakeController{stage: engine.StageRunning, lsns: &lsn.Triple{}}
	ts, _ := newTestServer(t, ctrl)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/get_stage")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body stageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "RUNNING", body.Stage)
}

func TestGetLSNs(t *testing.T) {
	triple := &lsn.Triple{}
	triple.AdvanceReceived(100)
	ctrl := &fakeController{lsns: triple}
	ts, _ := newTestServer(t, ctrl)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/get_lsns")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body lsnsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Received)
}

func TestGetLastErrorEmptyWhenNil(t *testing.T) {
	ctrl := &fakeController{lsns: &lsn.Triple{}}
	ts, _ := newTestServer(t, ctrl)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/get_last_error")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body lastErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Error)
}

func TestPauseResume(t *testing.T) {
	ctrl := &fakeController{lsns: &lsn.Triple{}}
	ts, _ := newTestServer(t, ctrl)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, ctrl.paused)

	resp, err = http.Post(ts.URL+"/resume", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, ctrl.resumed)
}

func TestPauseRejectsGet(t *testing.T) {
	ctrl := &fakeController{lsns: &lsn.Triple{}}
	ts, _ := newTestServer(t, ctrl)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/pause")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStopCancelsEngine(t *testing.T) {
	ctrl := &fakeController{lsns: &lsn.Triple{}}
	ts, canceled := newTestServer(t, ctrl)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, *canceled)
}

func TestDrainAndStopCallsDrainThenCancel(t *testing.T) {
	ctrl := &fakeController{lsns: &lsn.Triple{}}
	ts, canceled := newTestServer(t, ctrl)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/drain_and_stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, ctrl.drainCalled)
	assert.True(t, *canceled)
}

func TestReloadConfigAppliesPartialFields(t *testing.T) {
	ctrl := &fakeController{lsns: &lsn.Triple{}}
	ts, _ := newTestServer(t, ctrl)
	defer ts.Close()

	body := bytes.NewBufferString(`{"flush_size": 500}`)
	resp, err := http.Post(ts.URL+"/reload_config", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()

	require.True(t, ctrl.reconfigured)
	require.NotNil(t, ctrl.gotFlushSize)
	assert.Equal(t, 500, *ctrl.gotFlushSize)
	assert.Nil(t, ctrl.gotInterval)
}
