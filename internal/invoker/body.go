package invoker

import (
	"errors"
	"io"
	"sync"
)

// ErrBodyNotReplayable is returned by a retry whose request body exceeded the
// replay limit and was already streamed to an earlier attempt.
var ErrBodyNotReplayable = errors.New("request body too large to replay")

// replayBody lets every attempt of a failover sequence read the same request
// body. The source is read once; the first limit bytes are kept so later
// attempts can start over. Past the limit the body is no longer kept and
// only the reader that crossed it may continue.
type replayBody struct {
	mu       sync.Mutex
	src      io.Reader
	limit    int64
	buf      []byte
	srcErr   error
	overflow bool
	owner    *replayReader
}

func newReplayBody(src io.Reader, limit int64) *replayBody {
	if limit < 0 {
		limit = 0
	}
	return &replayBody{src: src, limit: limit}
}

// Reader returns a reader positioned at the start of the body.
func (b *replayBody) Reader() io.Reader {
	return &replayReader{body: b}
}

type replayReader struct {
	body *replayBody
	off  int
}

func (r *replayReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b := r.body
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.overflow {
		if b.owner != r {
			return 0, ErrBodyNotReplayable
		}
		return b.src.Read(p)
	}
	if r.off < len(b.buf) {
		n := copy(p, b.buf[r.off:])
		r.off += n
		return n, nil
	}
	if b.srcErr != nil {
		return 0, b.srcErr
	}

	n, err := b.src.Read(p)
	if int64(len(b.buf)+n) > b.limit {
		b.overflow = true
		b.owner = r
		b.buf = nil
	} else {
		b.buf = append(b.buf, p[:n]...)
		r.off += n
	}
	if err != nil {
		b.srcErr = err
	}
	return n, err
}
