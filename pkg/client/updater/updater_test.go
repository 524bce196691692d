package updater

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbasical/doras-ota/internal/pkg/publisher"
	"github.com/unbasical/doras-ota/internal/pkg/utils/logutils"
	"github.com/unbasical/doras-ota/internal/pkg/utils/testutils"
	"github.com/unbasical/doras-ota/pkg/client/updater/updaterstate"
)

func init() {
	logutils.SetupTestLogging()
}

type fakeRebooter struct {
	calls atomic.Int32
}

func (f *fakeRebooter) Reboot(context.Context) error {
	f.calls.Add(1)
	return nil
}

type fakeResources struct {
	memory  uint64
	storage uint64
}

func (f fakeResources) FreeMemoryBytes(context.Context) (uint64, error) {
	return f.memory, nil
}

func (f fakeResources) FreeStorageBytes(context.Context) (uint64, error) {
	return f.storage, nil
}

type fakeConnectivity struct {
	connected bool
}

func (f fakeConnectivity) IsConnected(context.Context) bool {
	return f.connected
}

func (f fakeConnectivity) CurrentAddress() (string, bool) {
	if !f.connected {
		return "", false
	}
	return "192.168.1.20", true
}

type testDevice struct {
	root     string
	engine   *Engine
	rebooter *fakeRebooter
}

// newTestDevice publishes release and returns a device at root that holds live.
func newTestDevice(t *testing.T, live, release map[string]string) *testDevice {
	t.Helper()
	releaseDir := testutils.NewTree(t, release)
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(publisher.BuildApp(&publisher.Config{ReleaseDir: releaseDir, Compress: true}))
	t.Cleanup(srv.Close)

	root := testutils.NewTree(t, live)
	e, err := NewEngine(WithRepoURL(srv.URL), WithRoot(root), WithReportInterval(0))
	require.NoError(t, err)
	return &testDevice{root: root, engine: e, rebooter: &fakeRebooter{}}
}

func (d *testDevice) scheduler(opts ...SchedulerOption) *Scheduler {
	return NewScheduler(d.engine, fakeResources{memory: 1 << 30, storage: 1 << 30}, d.rebooter, opts...)
}

func (d *testDevice) orchestrator(connected bool) *Orchestrator {
	v := NewCommitVerifier(d.engine, fakeConnectivity{connected: connected}, 2, time.Millisecond)
	return NewOrchestrator(d.engine, d.rebooter, v)
}

func (d *testDevice) marker(t *testing.T) (updaterstate.Marker, bool) {
	t.Helper()
	m, present, err := d.engine.Marker().Load()
	require.NoError(t, err)
	return m, present
}

var (
	oldDevice = map[string]string{
		"version.txt": "1.0.0",
		"app.py":      "print('old')\n",
	}
	newRelease = map[string]string{
		"version.txt": "1.1.0",
		"app.py":      "print('new')\n",
		"lib/util.py": "VALUE = 1\n",
	}
)

func TestUpdateCycleCommits(t *testing.T) {
	d := newTestDevice(t, oldDevice, newRelease)
	ctx := context.Background()

	rebooting, err := d.scheduler().RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, rebooting)
	assert.EqualValues(t, 1, d.rebooter.calls.Load())
	m, present := d.marker(t)
	require.True(t, present)
	assert.Equal(t, updaterstate.Marker{Phase: updaterstate.PhasePendingApply, Version: "1.1.0"}, m)
	assert.Equal(t, "print('old')\n", testutils.ReadString(t, filepath.Join(d.root, "app.py")))

	outcome, err := d.orchestrator(true).Boot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Rebooting, outcome)
	assert.EqualValues(t, 2, d.rebooter.calls.Load())
	assert.Equal(t, "print('new')\n", testutils.ReadString(t, filepath.Join(d.root, "app.py")))
	assert.Equal(t, "VALUE = 1\n", testutils.ReadString(t, filepath.Join(d.root, "lib", "util.py")))
	assert.Equal(t, "1.1.0", d.engine.Layout().CurrentVersion())
	assert.NoDirExists(t, d.engine.Layout().StagingPath())
	m, present = d.marker(t)
	require.True(t, present)
	assert.Equal(t, updaterstate.PhasePendingCommitVerify, m.Phase)

	outcome, err = d.orchestrator(true).Boot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Committed, outcome)
	_, present = d.marker(t)
	assert.False(t, present)

	outcome, err = d.orchestrator(true).Boot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Idle, outcome)

	rebooting, err = d.scheduler().RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, rebooting)
}

func TestHashMismatchLeavesDeviceUntouched(t *testing.T) {
	release := map[string]string{
		"manifest.json": `{"version": "1.2.0", "files": {"app.py": "` + digest.SHA256.FromString("something else").Encoded() + `"}}`,
		"app.py":        "print('tampered')\n",
	}
	live := map[string]string{
		"version.txt": "1.1.0",
		"app.py":      "print('current')\n",
	}
	d := newTestDevice(t, live, release)

	rebooting, err := d.scheduler().RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.False(t, rebooting)
	assert.Zero(t, d.rebooter.calls.Load())
	_, present := d.marker(t)
	assert.False(t, present)
	assert.NoDirExists(t, d.engine.Layout().StagingPath())
	assert.Equal(t, "1.1.0", d.engine.Layout().CurrentVersion())
	assert.Equal(t, "print('current')\n", testutils.ReadString(t, filepath.Join(d.root, "app.py")))
}

func TestFailedCommitVerificationRollsBack(t *testing.T) {
	d := newTestDevice(t, oldDevice, newRelease)
	ctx := context.Background()

	_, err := d.scheduler().RunOnce(ctx)
	require.NoError(t, err)
	outcome, err := d.orchestrator(false).Boot(ctx)
	require.NoError(t, err)
	require.Equal(t, Rebooting, outcome)
	require.Equal(t, "1.1.0", d.engine.Layout().CurrentVersion())

	outcome, err = d.orchestrator(false).Boot(ctx)
	assert.ErrorIs(t, err, ErrCommitVerificationFailed)
	assert.Equal(t, RolledBack, outcome)
	assert.Equal(t, "print('old')\n", testutils.ReadString(t, filepath.Join(d.root, "app.py")))
	assert.Equal(t, "1.0.0", d.engine.Layout().CurrentVersion())
	_, present := d.marker(t)
	assert.False(t, present)
}

func TestBootWithUnreadableMarker(t *testing.T) {
	tests := []struct {
		name        string
		applyFirst  bool
		wantOutcome Outcome
	}{
		{name: "staged but not applied", applyFirst: false, wantOutcome: Rebooting},
		{name: "already applied", applyFirst: true, wantOutcome: Committed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDevice(t, oldDevice, newRelease)
			ctx := context.Background()
			_, err := d.scheduler().RunOnce(ctx)
			require.NoError(t, err)
			if tt.applyFirst {
				_, err := d.orchestrator(true).Boot(ctx)
				require.NoError(t, err)
			}
			require.NoError(t, os.WriteFile(d.engine.Marker().Path(), []byte("1"), 0o644))

			outcome, err := d.orchestrator(true).Boot(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, outcome)
			assert.Equal(t, "print('new')\n", testutils.ReadString(t, filepath.Join(d.root, "app.py")))
		})
	}
}

func TestBootKeepsMarkerWhenCancelled(t *testing.T) {
	d := newTestDevice(t, oldDevice, newRelease)
	require.NoError(t, d.engine.Marker().Set(updaterstate.PhasePendingCommitVerify, "1.0.0"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := NewCommitVerifier(d.engine, fakeConnectivity{connected: false}, 3, time.Hour)
	outcome, err := NewOrchestrator(d.engine, d.rebooter, v).Boot(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Idle, outcome)
	_, present := d.marker(t)
	assert.True(t, present)
}

func TestBootApplyWithoutStagingArea(t *testing.T) {
	d := newTestDevice(t, oldDevice, newRelease)
	require.NoError(t, d.engine.Marker().Set(updaterstate.PhasePendingApply, "1.1.0"))

	outcome, err := d.orchestrator(true).Boot(context.Background())
	assert.ErrorIs(t, err, ErrMissingManifest)
	assert.Equal(t, RolledBack, outcome)
	assert.Zero(t, d.rebooter.calls.Load())
	_, present := d.marker(t)
	assert.False(t, present)
	assert.Equal(t, "1.0.0", d.engine.Layout().CurrentVersion())
}

func TestBootAfterApplyBeforeMarkerAdvanced(t *testing.T) {
	tests := []struct {
		name        string
		connected   bool
		wantOutcome Outcome
		wantVersion string
		wantApp     string
	}{
		{name: "healthy release commits", connected: true, wantOutcome: Committed, wantVersion: "1.1.0", wantApp: "print('new')\n"},
		{name: "unhealthy release rolls back", connected: false, wantOutcome: RolledBack, wantVersion: "1.0.0", wantApp: "print('old')\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDevice(t, oldDevice, newRelease)
			ctx := context.Background()
			_, err := d.scheduler().RunOnce(ctx)
			require.NoError(t, err)
			// applied, but the marker still says pending-apply
			require.NoError(t, d.engine.ApplyUpdate(ctx))
			m, present := d.marker(t)
			require.True(t, present)
			require.Equal(t, updaterstate.PhasePendingApply, m.Phase)

			outcome, err := d.orchestrator(tt.connected).Boot(ctx)
			if tt.connected {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrCommitVerificationFailed)
			}
			assert.Equal(t, tt.wantOutcome, outcome)
			assert.EqualValues(t, 1, d.rebooter.calls.Load())
			_, present = d.marker(t)
			assert.False(t, present)
			assert.Equal(t, tt.wantVersion, d.engine.Layout().CurrentVersion())
			assert.Equal(t, tt.wantApp, testutils.ReadString(t, filepath.Join(d.root, "app.py")))
		})
	}
}

func TestConcurrentCallsAreRejected(t *testing.T) {
	d := newTestDevice(t, oldDevice, newRelease)
	release, err := d.engine.acquire()
	require.NoError(t, err)

	_, err = d.engine.CheckForUpdate(context.Background())
	assert.ErrorIs(t, err, ErrUpdateInProgress)
	assert.ErrorIs(t, d.engine.DownloadUpdate(context.Background()), ErrUpdateInProgress)
	assert.ErrorIs(t, d.engine.ApplyUpdate(context.Background()), ErrUpdateInProgress)
	assert.ErrorIs(t, d.engine.Rollback(context.Background()), ErrUpdateInProgress)

	release()
	available, err := d.engine.CheckForUpdate(context.Background())
	require.NoError(t, err)
	assert.True(t, available)
}

func TestDownloadWithoutCheck(t *testing.T) {
	d := newTestDevice(t, oldDevice, newRelease)
	assert.ErrorIs(t, d.engine.DownloadUpdate(context.Background()), ErrNoUpdate)
}

func TestProgressAfterDownload(t *testing.T) {
	d := newTestDevice(t, oldDevice, newRelease)
	ctx := context.Background()
	_, err := d.engine.CheckForUpdate(ctx)
	require.NoError(t, err)
	require.NoError(t, d.engine.DownloadUpdate(ctx))
	assert.Equal(t, 100, d.engine.Progress())
	assert.Contains(t, d.engine.Status(), "(100%)")
}

func TestNewEngineRequiresRepository(t *testing.T) {
	_, err := NewEngine(WithRoot(t.TempDir()))
	assert.Error(t, err)
}
