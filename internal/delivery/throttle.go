package delivery

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const minBurst = 32 * 1024

// throttledReader caps the read rate of an upload body.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	burst   int
}

// throttle wraps r so it yields at most bytesPerSecond. A non-positive limit
// returns r unchanged.
func throttle(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	burst := int(bytesPerSecond)
	if burst < minBurst {
		burst = minBurst
	}
	return &throttledReader{
		ctx:     ctx,
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		burst:   burst,
	}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > t.burst {
		p = p[:t.burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
