package handshake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensorlink/internal/monitoring"
	"github.com/banshee-data/sensorlink/internal/seriallink"
	"github.com/banshee-data/sensorlink/internal/sensors"
)

func newRegistry(t *testing.T) *sensors.Registry {
	t.Helper()
	r, err := sensors.NewRegistry([]sensors.Descriptor{
		{ID: 0x11, Name: "Battery_Level", Length: 1},
		{ID: 0x22, Name: "Wheel_Speeds", Length: 2},
		{ID: 0x77, Name: "Lidar_Distances", Length: 360},
	})
	require.NoError(t, err)
	return r
}

// recorder is an Observer that keeps everything it is told.
type recorder struct {
	mu       sync.Mutex
	commits  []Commit
	failures []error
}

func (r *recorder) FrameCommitted(c Commit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, c)
}

func (r *recorder) FrameFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

type harness struct {
	port     *seriallink.TestableSerialPort
	registry *sensors.Registry
	observer *recorder
	machine  *Machine
}

func newHarness(t *testing.T, opts Options, stream []byte) *harness {
	t.Helper()
	port := seriallink.NewTestableSerialPort()
	port.AddReadData(stream)
	h := &harness{
		port:     port,
		registry: newRegistry(t),
		observer: &recorder{},
	}
	h.machine = New(Config{
		Transport: seriallink.NewLink(port),
		Registry:  h.registry,
		Options:   opts,
		Observer:  h.observer,
	})
	return h
}

func frameBytes(id byte, lines ...string) []byte {
	var b bytes.Buffer
	b.WriteByte(Request)
	b.WriteByte(id)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteByte(Stop)
	return b.Bytes()
}

func TestStep_WellFormedFrame(t *testing.T) {
	h := newHarness(t, Options{}, []byte("\xa5\x1183.500000\n\xb5"))

	res, err := h.machine.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	assert.NoError(t, res.Failure)
	assert.Equal(t, "Battery_Level", res.Commit.Sensor.Name)
	assert.Equal(t, []float64{83.5}, res.Commit.Samples)
	assert.Equal(t, Idle, h.machine.State())

	got, _ := h.registry.Reading(0x11)
	assert.Equal(t, []float64{83.5}, got.Samples)
	assert.True(t, got.Dirty)

	require.Len(t, h.observer.commits, 1)
	assert.Empty(t, h.observer.failures)
	// the minimal variant never writes
	assert.Empty(t, h.port.GetWrittenData())
}

func TestStep_EveryKnownSensor(t *testing.T) {
	for _, d := range newRegistry(t).Descriptors() {
		t.Run(d.Name, func(t *testing.T) {
			lines := make([]string, d.Length)
			want := make([]float64, d.Length)
			for i := range lines {
				want[i] = float64(i) + 0.25
				lines[i] = fmt.Sprintf("%f", want[i])
			}
			h := newHarness(t, Options{}, frameBytes(d.ID, lines...))

			res, err := h.machine.Step(context.Background())
			require.NoError(t, err)
			require.NotNil(t, res.Commit)

			got, _ := h.registry.Reading(d.ID)
			assert.Equal(t, want, got.Samples)
			assert.True(t, got.Dirty)
		})
	}
}

func TestStep_UnknownIDWithoutRequest(t *testing.T) {
	stream := append([]byte{0x99}, []byte("\x1142.0\n\xb5")...)
	h := newHarness(t, Options{}, stream)

	res, err := h.machine.Step(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res.Commit)
	var snf *SensorNotFoundError
	require.ErrorAs(t, res.Failure, &snf)
	assert.Equal(t, byte(0x99), snf.ID)
	assert.True(t, snf.Resync)
	assert.Empty(t, h.registry.Dirty())

	// the next byte is a fresh candidate identity
	res, err = h.machine.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	assert.Equal(t, "Battery_Level", res.Commit.Sensor.Name)
	assert.Equal(t, []float64{42}, res.Commit.Samples)
}

func TestStep_UnknownIDAfterRequestConsumesNothingElse(t *testing.T) {
	stream := append([]byte{Request, 0x99}, frameBytes(0x11, "1.5")...)
	h := newHarness(t, Options{}, stream)

	res, err := h.machine.Step(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Failure, ErrSensorNotFound)
	assert.Equal(t, len(frameBytes(0x11, "1.5")), h.machine.link.Buffered())

	res, err = h.machine.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	assert.Equal(t, []float64{1.5}, res.Commit.Samples)
}

func TestStep_MalformedSampleKeepsPreviousPayload(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	previous := make([]float64, 360)
	for i := range previous {
		previous[i] = float64(i)
	}
	require.NoError(t, h.registry.Publish(0x77, previous))
	snap := h.registry.Dirty()[0]
	require.True(t, h.registry.MarkPersisted(0x77, snap.Version))

	lines := make([]string, 0, 201)
	for i := 0; i < 200; i++ {
		lines = append(lines, "9.000000")
	}
	lines = append(lines, "not-a-number")
	h.port.AddReadData(frameBytes(0x77, lines...))

	res, err := h.machine.Step(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res.Commit)
	assert.ErrorIs(t, res.Failure, ErrMalformedSample)
	var pe *PayloadError
	require.ErrorAs(t, res.Failure, &pe)
	assert.Equal(t, 200, pe.Index)
	assert.Equal(t, "Lidar_Distances", pe.Sensor)

	got, _ := h.registry.Reading(0x77)
	assert.False(t, got.Dirty)
	assert.Equal(t, previous, got.Samples)
	assert.Len(t, h.observer.failures, 1)
}

func TestStep_MalformedFirstSample(t *testing.T) {
	h := newHarness(t, Options{}, frameBytes(0x22, "", "2.0"))

	res, err := h.machine.Step(context.Background())
	require.NoError(t, err)
	var pe *PayloadError
	require.ErrorAs(t, res.Failure, &pe)
	assert.Equal(t, 0, pe.Index)
	assert.Empty(t, h.registry.Dirty())
}

func TestStep_MinimalIgnoresTerminatorValue(t *testing.T) {
	h := newHarness(t, Options{}, []byte("\xa5\x117.0\n\x00"))

	res, err := h.machine.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	assert.NoError(t, res.Failure)
}

func TestStep_ExtendedAcknowledges(t *testing.T) {
	h := newHarness(t, Options{Variant: Extended}, frameBytes(0x22, "1.0", "2.0"))

	res, err := h.machine.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	assert.Equal(t, []byte{Ack, Ack, Ack}, h.port.GetWrittenData())
}

func TestStep_ExtendedBadTerminatorStillCommits(t *testing.T) {
	h := newHarness(t, Options{Variant: Extended}, []byte("\xa5\x1112.5\n\x5b"))

	res, err := h.machine.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	var fe *FramingError
	require.ErrorAs(t, res.Failure, &fe)
	assert.Equal(t, AwaitingStop, fe.State)
	assert.Equal(t, Stop, fe.Want)
	assert.Equal(t, End, fe.Got)

	got, _ := h.registry.Reading(0x11)
	assert.Equal(t, []float64{12.5}, got.Samples)
	assert.True(t, got.Dirty)
	assert.Equal(t, []byte{Ack, Ack, Stop}, h.port.GetWrittenData())
	assert.Len(t, h.observer.commits, 1)
	assert.Len(t, h.observer.failures, 1)
}

func TestStep_ExtendedUnknownIDRepliesStop(t *testing.T) {
	h := newHarness(t, Options{Variant: Extended}, []byte{Request, 0x99})

	res, err := h.machine.Step(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Failure, ErrSensorNotFound)
	assert.Equal(t, []byte{Ack, Stop}, h.port.GetWrittenData())
}

func TestStep_ExtendedResyncAcknowledgesIdentity(t *testing.T) {
	h := newHarness(t, Options{Variant: Extended}, []byte("\x113.0\n\xb5"))

	res, err := h.machine.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	assert.Equal(t, []byte{Ack, Ack}, h.port.GetWrittenData())
}

func TestStep_ExtendedWriteFailureIsFatal(t *testing.T) {
	h := newHarness(t, Options{Variant: Extended}, frameBytes(0x11, "1.0"))
	h.port.WriteError = errors.New("tx fault")

	_, err := h.machine.Step(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "write", te.Op)
}

func TestStep_StrictPolicyRejectsMissingRequest(t *testing.T) {
	h := newHarness(t, Options{RequestPolicy: Strict}, []byte("\x11\xa5\x114.0\n\xb5"))

	res, err := h.machine.Step(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res.Commit)
	var fe *FramingError
	require.ErrorAs(t, res.Failure, &fe)
	assert.Equal(t, AwaitingRequest, fe.State)
	assert.Equal(t, byte(0x11), fe.Got)
	assert.Empty(t, h.registry.Dirty())

	res, err = h.machine.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	assert.Equal(t, []float64{4}, res.Commit.Samples)
}

func TestStep_DiscardAlternateLines(t *testing.T) {
	h := newHarness(t, Options{DiscardAlternateLines: true}, []byte("\xa5\x221.0\n\n2.0\n\n\xb5"))

	res, err := h.machine.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	assert.Equal(t, []float64{1, 2}, res.Commit.Samples)
	assert.Equal(t, 0, h.machine.link.Buffered())
}

func TestRun_StopsOnTransportError(t *testing.T) {
	var stream []byte
	stream = append(stream, frameBytes(0x11, "1.0")...)
	stream = append(stream, 0x99)
	stream = append(stream, frameBytes(0x22, "3.0", "4.0")...)
	stream = append(stream, Request) // truncated frame
	h := newHarness(t, Options{}, stream)

	err := h.machine.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, AwaitingSensorID, te.State)

	assert.Len(t, h.observer.commits, 2)
	assert.Len(t, h.observer.failures, 1)
	assert.Len(t, h.registry.Dirty(), 2)
}

func TestRun_Cancelled(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.port.TimeoutReads = true
	h.port.ReadTimeout = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.machine.Run(ctx) }()

	h.port.AddReadData(frameBytes(0x11, "5.0"))
	require.Eventually(t, func() bool {
		return len(h.registry.Dirty()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStep_Metrics(t *testing.T) {
	port := seriallink.NewTestableSerialPort()
	port.AddReadData(append(frameBytes(0x11, "1.0"), 0x99))
	metrics := monitoring.NewMetrics()
	m := New(Config{
		Transport: seriallink.NewLink(port),
		Registry:  newRegistry(t),
		Metrics:   metrics,
	})

	for i := 0; i < 2; i++ {
		_, err := m.Step(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FramesCommitted.WithLabelValues("Battery_Level")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FrameFailures.WithLabelValues("sensor_not_found")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AwaitingRequest", AwaitingRequest.String())
	assert.Equal(t, "AwaitingSensorId", AwaitingSensorID.String())
	assert.Equal(t, "ReceivingPayload", ReceivingPayload.String())
	assert.Equal(t, "AwaitingStop", AwaitingStop.String())
	assert.Equal(t, "Idle", Idle.String())
	assert.Equal(t, "State(9)", State(9).String())
	assert.Equal(t, "extended", Extended.String())
	assert.Equal(t, "minimal", Minimal.String())
	assert.Equal(t, "strict", Strict.String())
	assert.Equal(t, "resync", Resync.String())
}

func TestFailureKind(t *testing.T) {
	assert.Equal(t, "sensor_not_found", failureKind(&SensorNotFoundError{ID: 1}))
	assert.Equal(t, "framing", failureKind(&FramingError{}))
	assert.Equal(t, "malformed_sample", failureKind(&PayloadError{Err: fmt.Errorf("x: %w", ErrMalformedSample)}))
	assert.Equal(t, "transport", failureKind(&TransportError{Err: io.EOF}))
	assert.Equal(t, "other", failureKind(errors.New("x")))
}
