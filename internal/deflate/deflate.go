// Package deflate implements the parallel-deflate engine ZRLE uses: input is
// split into fixed-size blocks, each compressed independently and
// concurrently, and the compressed chunks are consolidated back into a
// single ordered, zlib-compatible byte stream.
package deflate

import (
	"bytes"
	"compress/flate"
	"container/list"
	"sync"
)

// blockSize is the fixed input block size a full chunk is split at.
const blockSize = 128 * 1024

// zlibHeader is emitted exactly once, at the start of the stream, so the
// consolidated output is byte-compatible with a single zlib-level deflate
// session even though it was produced by several independent ones.
var zlibHeader = []byte{0x78, 0x01}

type chunk struct {
	seq  uint32
	data []byte // nil marks the end-of-stream sentinel
}

// Deflate is an ordered, worker-parallel zlib-compatible compressor.
type Deflate struct {
	input []byte
	seq   uint32

	mu        sync.Mutex
	cond      *sync.Cond
	chunks    *list.List // ordered by seq, not necessarily contiguous
	startSeq  uint32
	atStart   bool
	wg        sync.WaitGroup
}

// New creates a fresh parallel-deflate session.
func New() *Deflate {
	d := &Deflate{
		chunks:  list.New(),
		atStart: true,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Feed appends data to the input-staging buffer. Each time the buffer holds
// a full 128 KiB block, the block is split off and compressed by an
// independent worker under its own sequence number.
func (d *Deflate) Feed(data []byte) {
	d.input = append(d.input, data...)
	for len(d.input) >= blockSize {
		block := d.input[:blockSize]
		d.input = append([]byte(nil), d.input[blockSize:]...)
		d.scheduleJob(block)
	}
}

func (d *Deflate) scheduleJob(block []byte) {
	seq := d.seq
	d.seq++
	// Each job owns an independent deflate session: the 32 KiB sliding
	// window is deliberately not maintained across blocks (documented
	// limitation, acceptable because ZRLE tiles are independent at flush
	// boundaries).
	in := append([]byte(nil), block...)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		var buf bytes.Buffer
		zw, _ := flate.NewWriter(&buf, flate.DefaultCompression)
		zw.Write(in)
		// Z_SYNC_FLUSH, not Close: each job's deflate session stays
		// logically open so its output is just a byte-aligned run of
		// blocks, not a terminated stream — that's what lets every
		// chunk's bytes simply concatenate in sequence order.
		zw.Flush()
		d.insertChunk(chunk{seq: seq, data: buf.Bytes()})
	}()
}

func (d *Deflate) insertChunk(c chunk) {
	d.mu.Lock()
	inserted := false
	for e := d.chunks.Back(); e != nil; e = e.Prev() {
		if e.Value.(chunk).seq < c.seq {
			d.chunks.InsertAfter(c, e)
			inserted = true
			break
		}
	}
	if !inserted {
		d.chunks.PushFront(c)
	}
	d.cond.Signal()
	d.mu.Unlock()
}

// consolidateLocked drains every chunk starting at d.startSeq, in order,
// into out (out may be nil to drain without producing bytes). It reports
// whether the end-of-stream sentinel was consumed.
func (d *Deflate) consolidateLocked(out *[]byte) bool {
	haveEnd := false
	for d.chunks.Len() > 0 {
		front := d.chunks.Front()
		c := front.Value.(chunk)
		if c.seq != d.startSeq {
			break
		}
		d.startSeq++
		d.chunks.Remove(front)

		if d.atStart {
			if out != nil {
				*out = append(*out, zlibHeader...)
			}
			d.atStart = false
		}
		if c.data == nil {
			haveEnd = true
			continue
		}
		if out != nil {
			*out = append(*out, c.data...)
		}
	}
	return haveEnd
}

// Sync compresses any residual tail, injects an end-marker chunk, and
// blocks until every chunk up to and including the sentinel has been
// consolidated into the returned byte slice, in order.
func (d *Deflate) Sync() []byte {
	if len(d.input) > 0 {
		d.scheduleJob(d.input)
		d.input = nil
	}
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	endSeq := d.seq
	d.seq++
	d.insertSentinelLocked(endSeq)

	var out []byte
	for {
		if d.consolidateLocked(&out) {
			return out
		}
		d.cond.Wait()
	}
}

func (d *Deflate) insertSentinelLocked(seq uint32) {
	c := chunk{seq: seq, data: nil}
	inserted := false
	for e := d.chunks.Back(); e != nil; e = e.Prev() {
		if e.Value.(chunk).seq < c.seq {
			d.chunks.InsertAfter(c, e)
			inserted = true
			break
		}
	}
	if !inserted {
		d.chunks.PushFront(c)
	}
}

// Reset prepares the session for a new logical stream (used between
// rectangle boundaries by callers that want a single continuing stream
// instead, which ZRLE does not — each ZRLE rectangle reuses the same
// Deflate session across tiles but not across whole frames unless the
// caller chooses to).
func (d *Deflate) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.input = nil
	d.seq = 0
	d.startSeq = 0
	d.atStart = true
	d.chunks.Init()
}
