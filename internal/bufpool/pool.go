package bufpool

import "sync"

// sizeClasses are sized for the one thing this package actually pools:
// the audio dispatch loop's per-frame PCM copy (internal/capture/
// fetchers.go's audioDispatchLoop). A 20ms frame at 48kHz stereo s16 is
// 3840 bytes (fits the 4096 class); 128 covers low-rate mono fallbacks
// (e.g. a 10ms frame of 8kHz mono 8-bit telephony-style audio is 80
// bytes; the 20ms frame, at 160 bytes, takes the 4096 class); 65536
// leaves headroom for high-rate multichannel configurations
// (e.g. 96kHz 8-channel 24-bit is 46080 bytes) without falling through to
// an unpooled allocation on every frame. Video frames never pass through
// this pool — v4l2cam hands back driver-owned buffers directly
// (internal/capture/orchestrator.go's onVideoBufferZero calls
// VideoSource.Release, not Put) — so there's no NAL-sized class here.
var sizeClasses = []int{128, 4096, 65536}

type classPool struct {
	size int
	pool *sync.Pool
}

// Pool provides sized byte slices backed by reusable buffers to reduce GC
// churn. Used by internal/capture's audio dispatch loop to give each
// fanned-out frame its own backing buffer, decoupled from the source
// ring's single in-flight region.
type Pool struct {
	pools []classPool
}

var defaultPool = New()

// Get acquires a buffer from the package-level default pool.
func Get(size int) []byte {
	return defaultPool.Get(size)
}

// Put releases a buffer back to the package-level default pool.
func Put(buf []byte) {
	defaultPool.Put(buf)
}

// New creates a buffer pool with size classes tailored for pooling audio
// PCM frame copies (see sizeClasses).
func New() *Pool {
	pools := make([]classPool, len(sizeClasses))
	for i, classSize := range sizeClasses {
		size := classSize
		pools[i] = classPool{
			size: size,
			pool: &sync.Pool{
				New: func() any {
					return make([]byte, size)
				},
			},
		}
	}
	return &Pool{pools: pools}
}

// Get returns a byte slice whose length matches the requested size and whose capacity is the
// nearest predefined size class that can accommodate the request. Requests larger than the
// maximum size class allocate a fresh slice without pooling.
func (p *Pool) Get(size int) []byte {
	if p == nil || size <= 0 {
		return nil
	}

	for i := range p.pools {
		class := &p.pools[i]
		if size <= class.size {
			buf := class.pool.Get().([]byte)
			return buf[:size]
		}
	}

	return make([]byte, size)
}

// Put returns the provided buffer to the pool if its capacity matches a predefined size class.
// Buffers that do not match any class are discarded. The buffer is zeroed before reuse to avoid
// leaking data across callers.
func (p *Pool) Put(buf []byte) {
	if p == nil || buf == nil {
		return
	}

	capBuf := cap(buf)
	for i := range p.pools {
		class := &p.pools[i]
		if capBuf == class.size {
			full := buf[:class.size]
			clear(full)
			class.pool.Put(full)
			return
		}
	}
}
