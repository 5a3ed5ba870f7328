package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutRegistryProfiles(t *testing.T) {
	tests := []struct {
		name    string
		profile TimeoutProfile
		wantJob time.Duration
	}{
		{"default profile", ProfileDefault, 180 * time.Second},
		{"testing profile", ProfileTesting, 2 * time.Second},
		{"debugging profile", ProfileDebugging, 360 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewTimeoutRegistry(tt.profile)
			require.NoError(t, err)
			assert.Equal(t, tt.wantJob, r.Get(CategoryWorker, TimeoutJob))
			assert.Equal(t, tt.profile, r.Profile())
		})
	}
}

func TestTimeoutRegistryEnvOverride(t *testing.T) {
	t.Setenv("WORKER_JOB_TIMEOUT_MS", "5000")
	t.Setenv("RELIABILITY_SLOT_ACQUISITION_TIMEOUT_MS", "700")

	r, err := NewTimeoutRegistry(ProfileDefault)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, r.Get(CategoryWorker, TimeoutJob))
	assert.Equal(t, 700*time.Millisecond, r.Get(CategoryReliability, TimeoutSlotAcquisition))

	// Untouched keys keep their profile defaults.
	assert.Equal(t, 5*time.Second, r.Get(CategoryPipeline, TimeoutDrainCheck))

	changes := r.Changes()
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, "env", c.Source)
	}
}

func TestTimeoutRegistryEnvOutOfRange(t *testing.T) {
	t.Setenv("WORKER_POLL_TIMEOUT_MS", "1") // below the 10ms floor

	_, err := NewTimeoutRegistry(ProfileDefault)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "WORKER_POLL_TIMEOUT_MS", verr.ID)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestTimeoutRegistryEnvNotInteger(t *testing.T) {
	t.Setenv("QUEUE_OP_TIMEOUT_MS", "fast")

	_, err := NewTimeoutRegistry(ProfileDefault)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestTimeoutRegistrySetValidated(t *testing.T) {
	r, err := NewTimeoutRegistry(ProfileDefault)
	require.NoError(t, err)

	require.NoError(t, r.Set(CategoryQueue, TimeoutOp, 1500*time.Millisecond))
	assert.Equal(t, 1500*time.Millisecond, r.Get(CategoryQueue, TimeoutOp))

	err = r.Set(CategoryQueue, TimeoutOp, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)

	err = r.Set("nonsense", "nothing", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTimeout)
}

func TestTimeoutRegistryResetRestoresLoadedValues(t *testing.T) {
	t.Setenv("WORKER_JOB_TIMEOUT_MS", "9000")

	r, err := NewTimeoutRegistry(ProfileDefault)
	require.NoError(t, err)

	require.NoError(t, r.Set(CategoryWorker, TimeoutJob, 60*time.Second))
	assert.Equal(t, 60*time.Second, r.Get(CategoryWorker, TimeoutJob))

	r.Reset()

	// Reset restores load-time values, which include the env override.
	assert.Equal(t, 9*time.Second, r.Get(CategoryWorker, TimeoutJob))
}

func TestTimeoutRegistryUnknownKeyFallback(t *testing.T) {
	r, err := NewTimeoutRegistry(ProfileDefault)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, r.Get("nosuch", "key"))
}

func TestTimeoutRegistryChangeLogBounded(t *testing.T) {
	r, err := NewTimeoutRegistry(ProfileDefault)
	require.NoError(t, err)

	for i := 0; i < changeLogLimit+20; i++ {
		require.NoError(t, r.Set(CategoryQueue, TimeoutOp, time.Duration(100+i)*time.Millisecond))
	}

	assert.Len(t, r.Changes(), changeLogLimit)
}

func TestTimeoutRegistrySnapshot(t *testing.T) {
	r, err := NewTimeoutRegistry(ProfileTesting)
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Contains(t, snap, CategoryWorker)
	assert.Equal(t, int64(2000), snap[CategoryWorker][TimeoutJob])
	assert.Equal(t, int64(50), snap[CategoryWorker][TimeoutPoll])
}

func TestTimeoutRegistryConcurrentReads(t *testing.T) {
	r, err := NewTimeoutRegistry(ProfileDefault)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_ = r.Set(CategoryQueue, TimeoutOp, time.Duration(100+i%100)*time.Millisecond)
		}
	}()

	for i := 0; i < 500; i++ {
		d := r.Get(CategoryQueue, TimeoutOp)
		assert.Positive(t, d)
	}
	<-done
}

func TestTimeoutEnvNameRendering(t *testing.T) {
	assert.Equal(t, "CIRCUIT_BREAKER_HALF_OPEN_PROBE_TIMEOUT_MS",
		timeoutEnvName(timeoutKey{CategoryCircuitBreaker, TimeoutHalfOpenProbe}))
	assert.Equal(t, "PIPELINE_DRAIN_CHECK_TIMEOUT_MS",
		timeoutEnvName(timeoutKey{CategoryPipeline, TimeoutDrainCheck}))
	assert.Equal(t, "WORKER_JOB_TIMEOUT_MS",
		timeoutEnvName(timeoutKey{CategoryWorker, TimeoutJob}))
}
