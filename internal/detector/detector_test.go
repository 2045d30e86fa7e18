package detector

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsemeter/internal/dump"
	"github.com/banshee-data/pulsemeter/internal/frame"
	"github.com/banshee-data/pulsemeter/internal/monitoring"
	"github.com/banshee-data/pulsemeter/internal/settings"
	"github.com/banshee-data/pulsemeter/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type memLog struct {
	mu    sync.Mutex
	times []time.Time
	err   error
}

func (l *memLog) Append(t time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.times = append(l.times, t)
	return nil
}

// switchable settings provider
type provider struct {
	mu   sync.Mutex
	snap settings.Snapshot
	err  error
}

func (p *provider) Load() (settings.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap, p.err
}

func (p *provider) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type sampleSink struct {
	samples []Sample
}

func (s *sampleSink) Sample(sm Sample) { s.samples = append(s.samples, sm) }

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func triggerSettings() settings.Snapshot {
	s := settings.Defaults()
	s.WindowOffset, s.WindowHeight = 0, 100
	s.TriggerFillThreshold = 80
	s.TriggerFillResetThreshold = 80
	s.TriggerResetTime = 1000
	return s
}

func litFrame() *frame.Frame {
	f := frame.NewYUV420(100, 100)
	f.Fill(200, 102, 211)
	return f
}

func darkFrame() *frame.Frame {
	f := frame.NewYUV420(100, 100)
	f.Fill(200, 128, 128)
	return f
}

type harness struct {
	clock *timeutil.MockClock
	log   *memLog
	prov  *provider
	sink  *sampleSink
	det   *Detector
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock: timeutil.NewMockClock(epoch),
		log:   &memLog{},
		prov:  &provider{snap: triggerSettings()},
		sink:  &sampleSink{},
	}
	h.det = New(Config{
		Settings: h.prov,
		Events:   h.log,
		DumpPath: filepath.Join(t.TempDir(), "frame.dump"),
		Clock:    h.clock,
	})
	h.det.AddSink(h.sink)
	return h
}

func (h *harness) at(t *testing.T, ms int, f *frame.Frame) {
	t.Helper()
	h.clock.Set(epoch.Add(time.Duration(ms) * time.Millisecond))
	require.NoError(t, h.det.HandleFrame(f))
}

func TestHysteresisEndToEnd(t *testing.T) {
	h := newHarness(t)
	steps := []struct {
		ms  int
		lit bool
	}{
		{0, true}, {100, true}, {200, false}, {1300, false}, {1301, false}, {1400, true}, {1500, true},
	}
	for _, st := range steps {
		f := darkFrame()
		if st.lit {
			f = litFrame()
		}
		h.at(t, st.ms, f)
	}

	require.Len(t, h.log.times, 1)
	assert.Equal(t, epoch.Add(1400*time.Millisecond), h.log.times[0])

	var fired []int
	for i, s := range h.sink.samples {
		if s.Triggered {
			fired = append(fired, i)
		}
	}
	if diff := cmp.Diff([]int{5}, fired); diff != "" {
		t.Fatalf("triggered samples mismatch (-want +got):\n%s", diff)
	}
	st := h.det.Status()
	assert.EqualValues(t, 1, st.Detections)
	assert.EqualValues(t, 7, st.Frames)
	assert.Equal(t, epoch.Unix()+1, st.LastDetection)
	assert.False(t, st.Armed)
}

func TestFrameRate(t *testing.T) {
	h := newHarness(t)
	h.at(t, 0, darkFrame())
	h.at(t, 100, darkFrame())
	h.at(t, 100, darkFrame())

	require.Len(t, h.sink.samples, 3)
	assert.Zero(t, h.sink.samples[0].FPS, "first frame has no rate")
	assert.InDelta(t, 10.0, h.sink.samples[1].FPS, 1e-9)
	assert.Zero(t, h.sink.samples[2].FPS, "zero interval must not divide by zero")
}

// Scenario D: invalid settings notify observers with an empty result and
// leave the trigger and frame timing untouched.
func TestInvalidSettings(t *testing.T) {
	h := newHarness(t)
	obs := NewChanObserver(8)
	h.det.Register(obs)

	h.at(t, 0, darkFrame())
	<-obs.C()

	h.prov.set(settings.ErrInvalid)
	h.at(t, 50, litFrame())
	n := <-obs.C()
	if diff := cmp.Diff(Notification{Time: epoch.Add(50 * time.Millisecond)}, n); diff != "" {
		t.Fatalf("invalid notification mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, h.sink.samples, 1, "sinks only see analysed frames")

	h.prov.set(nil)
	h.at(t, 100, darkFrame())
	n = <-obs.C()
	assert.True(t, n.Valid)
	require.NotNil(t, n.Image)
	assert.Equal(t, 100, n.Image.Bounds().Dx())
	// Rate is measured from the last analysed frame, not the skipped one.
	assert.InDelta(t, 10.0, n.FPS, 1e-9)
	assert.EqualValues(t, 1, h.det.Status().InvalidFrames)
}

// Invalid frames are skipped before the trigger sees them, so a lit frame with
// invalid settings neither fires nor restarts the quiet period.
func TestInvalidSettingsLeaveTriggerUntouched(t *testing.T) {
	t.Run("while armed", func(t *testing.T) {
		h := newHarness(t)
		h.at(t, 0, darkFrame())
		h.at(t, 1100, darkFrame())
		require.True(t, h.det.Status().Armed)
		resetSince := h.det.machine.ResetSince()

		h.prov.set(settings.ErrInvalid)
		h.at(t, 1200, litFrame())
		assert.Empty(t, h.log.times)
		assert.Equal(t, resetSince, h.det.machine.ResetSince())
		assert.True(t, h.det.Status().Armed)

		h.prov.set(nil)
		h.at(t, 1300, litFrame())
		h.at(t, 1400, litFrame())
		require.Len(t, h.log.times, 1)
		assert.Equal(t, epoch.Add(1300*time.Millisecond), h.log.times[0])
		assert.False(t, h.det.Status().Armed)
	})

	t.Run("during the quiet period", func(t *testing.T) {
		h := newHarness(t)
		h.at(t, 0, litFrame())
		h.at(t, 200, darkFrame())
		resetSince := h.det.machine.ResetSince()

		h.prov.set(settings.ErrInvalid)
		h.at(t, 700, litFrame())
		assert.Equal(t, resetSince, h.det.machine.ResetSince())

		// 1201ms after the last lit analysed frame: the dwell is complete.
		h.prov.set(nil)
		h.at(t, 1201, darkFrame())
		assert.True(t, h.det.Status().Armed)
		h.at(t, 1300, litFrame())
		require.Len(t, h.log.times, 1)
		assert.Equal(t, epoch.Add(1300*time.Millisecond), h.log.times[0])
	})
}

func TestLogFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.log.err = errors.New("disk full")

	h.at(t, 0, darkFrame())
	h.at(t, 2000, darkFrame())
	h.clock.Set(epoch.Add(2100 * time.Millisecond))
	err := h.det.HandleFrame(litFrame())
	require.Error(t, err)
	kind, ok := IsFatal(err)
	require.True(t, ok)
	assert.Equal(t, KindLog, kind)
	assert.ErrorContains(t, err, "disk full")

	// Stays failed.
	assert.Equal(t, err, h.det.HandleFrame(darkFrame()))
	assert.Contains(t, h.det.Status().Error, "disk full")
}

func TestUnsupportedFormat(t *testing.T) {
	h := newHarness(t)
	f := darkFrame()
	f.Format = frame.FormatUnknown
	err := h.det.HandleFrame(f)
	kind, ok := IsFatal(err)
	require.True(t, ok)
	assert.Equal(t, KindFormat, kind)
	assert.ErrorIs(t, err, frame.ErrUnsupportedFormat)
}

func TestBadGeometryIsFatal(t *testing.T) {
	h := newHarness(t)
	f := darkFrame()
	f.Planes[frame.PlaneU].Data = f.Planes[frame.PlaneU].Data[:10]
	err := h.det.HandleFrame(f)
	kind, _ := IsFatal(err)
	assert.Equal(t, KindCapture, kind)
	assert.ErrorIs(t, err, frame.ErrGeometry)
}

func TestDumpOneShot(t *testing.T) {
	h := newHarness(t)
	h.det.RequestDump()
	h.det.RequestDump()
	assert.True(t, h.det.Status().DumpPending)

	lit := litFrame()
	h.at(t, 0, lit)
	h.at(t, 10, darkFrame())
	assert.EqualValues(t, 1, h.det.Status().Dumps)
	assert.False(t, h.det.Status().DumpPending)

	got, err := dump.ReadFile(h.det.DumpPath())
	require.NoError(t, err)
	if diff := cmp.Diff(lit, got); diff != "" {
		t.Fatalf("dumped frame mismatch (-want +got):\n%s", diff)
	}
}

func TestDumpWithInvalidSettings(t *testing.T) {
	h := newHarness(t)
	h.prov.set(settings.ErrInvalid)
	h.det.RequestDump()
	h.at(t, 0, litFrame())
	_, err := os.Stat(h.det.DumpPath())
	assert.NoError(t, err, "dump is taken before settings are checked")
}

func TestDumpFailureIsFatal(t *testing.T) {
	det := New(Config{
		Settings: settings.Static(triggerSettings()),
		Events:   &memLog{},
		DumpPath: filepath.Join(t.TempDir(), "missing", "frame.dump"),
		Clock:    timeutil.NewMockClock(epoch),
	})
	det.RequestDump()
	err := det.HandleFrame(litFrame())
	kind, ok := IsFatal(err)
	require.True(t, ok)
	assert.Equal(t, KindDump, kind)
}

func TestNoObserversNoNotification(t *testing.T) {
	h := newHarness(t)
	obs := NewChanObserver(1)
	id := h.det.Register(obs)
	require.True(t, h.det.Unregister(id))
	assert.False(t, h.det.Unregister(id))
	h.at(t, 0, litFrame())
	select {
	case n := <-obs.C():
		t.Fatalf("unregistered observer got %+v", n)
	default:
	}
}

func TestFatalErrorFormatting(t *testing.T) {
	err := &FatalError{Kind: KindDump, Msg: "failed to write dump file", Err: os.ErrPermission}
	assert.Equal(t, "failed to write dump file: permission denied", err.Error())
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, "dump", KindDump.String())
	assert.Equal(t, "format", (&FatalError{Kind: KindFormat, Msg: "format"}).Error())
	_, ok := IsFatal(errors.New("plain"))
	assert.False(t, ok)
}
