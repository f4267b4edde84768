package gate_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/parlancehq/parlance/internal/gate"
)

const (
	quiet = 0.005
	loud  = 0.5
)

func TestAdmit_NoWindowPassesEverything(t *testing.T) {
	t.Parallel()

	g := gate.New()
	if !g.Admit(quiet) {
		t.Error("quiet frame dropped without an open window")
	}
	if !g.Admit(0) {
		t.Error("silent frame dropped without an open window")
	}
}

func TestNotePlayback_SuppressesQuietFramesUntilExpiry(t *testing.T) {
	t.Parallel()

	g := gate.New(gate.WithTail(40 * time.Millisecond))
	g.NotePlayback(60 * time.Millisecond)

	if g.Admit(quiet) {
		t.Error("quiet frame admitted inside the suppression window")
	}
	if !g.Suppressing() {
		t.Error("Suppressing() = false inside the window")
	}

	// Window is 60ms + 40ms tail = 100ms.
	time.Sleep(200 * time.Millisecond)

	if g.Suppressing() {
		t.Error("Suppressing() = true after the window expired")
	}
	if !g.Admit(quiet) {
		t.Error("quiet frame dropped after the window expired")
	}
}

func TestAdmit_BargeInCancelsWindowAndForwards(t *testing.T) {
	t.Parallel()

	var bargeIns atomic.Int32
	g := gate.New(gate.WithTail(100 * time.Millisecond))
	g.OnBargeIn(func() { bargeIns.Add(1) })

	g.NotePlayback(5 * time.Second)

	verdicts := []bool{
		g.Admit(quiet), // echo: dropped
		g.Admit(quiet), // echo: dropped
		g.Admit(loud),  // caller speaks: cancels, forwarded
		g.Admit(quiet), // window gone: forwarded
	}
	want := []bool{false, false, true, true}
	for i := range want {
		if verdicts[i] != want[i] {
			t.Errorf("frame %d: admit = %v, want %v", i, verdicts[i], want[i])
		}
	}

	if n := bargeIns.Load(); n != 1 {
		t.Errorf("barge-in handler fired %d times, want 1", n)
	}
	if g.Suppressing() {
		t.Error("window still open after barge-in")
	}
}

func TestNotePlayback_BurstChunksExtendWindow(t *testing.T) {
	t.Parallel()

	g := gate.New(gate.WithTail(30 * time.Millisecond))

	// Two 50ms chunks arriving back-to-back queue up: the window must
	// cover both (≈130ms), not just the first (≈80ms).
	g.NotePlayback(50 * time.Millisecond)
	g.NotePlayback(50 * time.Millisecond)

	time.Sleep(95 * time.Millisecond)
	if !g.Suppressing() {
		t.Fatal("window closed after the first chunk's duration; burst extension lost")
	}

	time.Sleep(150 * time.Millisecond)
	if g.Suppressing() {
		t.Error("window still open long after both chunks drained")
	}
}

func TestTimerExpiryClearsSuppressionWithoutAdmit(t *testing.T) {
	t.Parallel()

	g := gate.New(gate.WithTail(20 * time.Millisecond))
	g.NotePlayback(30 * time.Millisecond)

	time.Sleep(150 * time.Millisecond)

	// No Admit call in between: the timer alone must have closed it.
	if g.Suppressing() {
		t.Error("timer did not clear the expired window")
	}
}

func TestSetTuning_ThresholdAppliesToOpenWindow(t *testing.T) {
	t.Parallel()

	g := gate.New()
	g.NotePlayback(5 * time.Second)

	if g.Admit(0.02) {
		t.Fatal("0.02 admitted below the default threshold")
	}

	g.SetTuning(0, 0.01)
	if !g.Admit(0.02) {
		t.Error("0.02 dropped after lowering the threshold to 0.01")
	}
}

func TestSetTuning_IgnoresInvalidValues(t *testing.T) {
	t.Parallel()

	g := gate.New()
	g.SetTuning(-time.Second, 4.2)
	g.NotePlayback(5 * time.Second)

	// Defaults must still be in force: 0.02 < 0.035 is suppressed.
	if g.Admit(0.02) {
		t.Error("invalid tuning values replaced the defaults")
	}
}
