package audio

import (
	"sync"
	"sync/atomic"
)

// FrameRing is the single-producer single-consumer queue that carries
// captured frames out of the real-time callback. Push runs on the audio
// thread and never blocks, locks, or allocates; Pop runs on the capture
// pump goroutine. When the consumer falls behind, Push drops the frame and
// counts it rather than stalling the callback.
type FrameRing struct {
	slots  []Frame
	head   atomic.Uint64
	tail   atomic.Uint64
	drops  atomic.Uint64
	notify chan struct{}
}

// NewFrameRing builds a ring holding up to depth frames of at most maxBytes
// PCM each. Slot buffers are preallocated so Push stays allocation-free.
//
// notify is signalled (capacity 1, non-blocking) after every successful
// Push so the consumer can sleep between frames. The channel belongs to the
// caller, letting the consumer keep selecting on it across ring swaps when
// the stream is reconfigured.
func NewFrameRing(depth, maxBytes int, notify chan struct{}) *FrameRing {
	slots := make([]Frame, depth)
	for i := range slots {
		slots[i].PCM = make([]byte, 0, maxBytes)
	}
	return &FrameRing{slots: slots, notify: notify}
}

// Push copies one frame into the ring. Real-time safe. Returns false when
// the ring is full; the frame is dropped and counted. PCM longer than the
// slot capacity is truncated.
func (r *FrameRing) Push(pcm []byte, rate int, rms float64, waveform *[WaveformBins]float32) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() >= uint64(len(r.slots)) {
		r.drops.Add(1)
		return false
	}
	s := &r.slots[tail%uint64(len(r.slots))]
	if len(pcm) > cap(s.PCM) {
		pcm = pcm[:cap(s.PCM)]
	}
	s.PCM = append(s.PCM[:0], pcm...)
	s.Rate = rate
	s.RMS = rms
	s.Waveform = *waveform
	r.tail.Store(tail + 1)
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop copies the oldest frame into dst, reusing dst.PCM when its capacity
// suffices. Returns false when the ring is empty. Only the single consumer
// may call Pop.
func (r *FrameRing) Pop(dst *Frame) bool {
	head := r.head.Load()
	if head == r.tail.Load() {
		return false
	}
	s := &r.slots[head%uint64(len(r.slots))]
	dst.PCM = append(dst.PCM[:0], s.PCM...)
	dst.Rate = s.Rate
	dst.RMS = s.RMS
	dst.Waveform = s.Waveform
	r.head.Store(head + 1)
	return true
}

// Dropped returns the number of frames discarded because the ring was full.
func (r *FrameRing) Dropped() uint64 { return r.drops.Load() }

// PlayoutRing buffers decoded assistant audio between the session goroutines
// that write it and the real-time callback that drains it. Write and Clear
// take a mutex and may be called from any goroutine; ReadInto is wait-free
// and runs on the audio thread.
type PlayoutRing struct {
	mu    sync.Mutex
	buf   []int16
	head  atomic.Uint64
	tail  atomic.Uint64
	drops atomic.Uint64
}

// NewPlayoutRing builds a ring buffering up to size samples.
func NewPlayoutRing(size int) *PlayoutRing {
	return &PlayoutRing{buf: make([]int16, size)}
}

// Write appends samples for playout and returns how many were accepted.
// When the ring is full the excess is dropped and counted; audio already
// queued keeps its place so playback stays continuous.
func (r *PlayoutRing) Write(samples []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := r.tail.Load()
	free := uint64(len(r.buf)) - (tail - r.head.Load())
	n := len(samples)
	if uint64(n) > free {
		n = int(free)
		r.drops.Add(uint64(len(samples) - n))
	}
	for i := 0; i < n; i++ {
		r.buf[(tail+uint64(i))%uint64(len(r.buf))] = samples[i]
	}
	r.tail.Store(tail + uint64(n))
	return n
}

// ReadInto fills dst with buffered samples and zero-fills the remainder on
// underrun. It returns the number of real samples written. Real-time safe;
// only the single audio-thread consumer may call it.
func (r *PlayoutRing) ReadInto(dst []int16) int {
	head := r.head.Load()
	avail := r.tail.Load() - head
	n := uint64(len(dst))
	if avail < n {
		n = avail
	}
	size := uint64(len(r.buf))
	start := head % size
	first := size - start
	if first > n {
		first = n
	}
	copy(dst[:first], r.buf[start:start+first])
	copy(dst[first:n], r.buf[:n-first])
	for i := n; i < uint64(len(dst)); i++ {
		dst[i] = 0
	}
	// Clear may have advanced head concurrently; if so the cleared
	// position wins and this buffer's worth of stale audio is the last.
	r.head.CompareAndSwap(head, head+n)
	return int(n)
}

// Clear discards everything queued for playout and returns the number of
// samples dropped.
func (r *PlayoutRing) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	head := r.head.Load()
	tail := r.tail.Load()
	if tail == head {
		return 0
	}
	r.head.Store(tail)
	return int(tail - head)
}

// Buffered returns the number of samples currently queued.
func (r *PlayoutRing) Buffered() int {
	return int(r.tail.Load() - r.head.Load())
}

// Dropped returns the number of samples discarded because the ring was full.
func (r *PlayoutRing) Dropped() uint64 { return r.drops.Load() }
