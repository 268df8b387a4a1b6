package progress

import (
	"errors"
	"io"
)

// Reader wraps an io.Reader and reports the cumulative number of bytes read
// every interval bytes, and once more when the stream ends.
type Reader struct {
	r          io.Reader
	total      int64
	interval   int64
	onProgress func(read, total int64)

	read        int64
	sinceReport int64
}

// NewReader returns a Reader. total may be zero or negative when the size is unknown.
func NewReader(r io.Reader, total, interval int64, cb func(read, total int64)) *Reader {
	return &Reader{
		r:          r,
		total:      total,
		interval:   interval,
		onProgress: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceReport += int64(n)

		if pr.interval > 0 && pr.sinceReport >= pr.interval {
			pr.report()
		}
	}

	if errors.Is(err, io.EOF) && pr.sinceReport > 0 {
		pr.report()
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) report() {
	pr.sinceReport = 0

	if pr.onProgress != nil {
		pr.onProgress(pr.read, pr.total)
	}
}
