package progress

import "io"

// Func receives the bytes read so far and the expected total, which is 0 when unknown.
type Func func(read, total int64)

// Reader wraps an io.Reader and calls Func every time another interval of bytes
// has passed through it.
type Reader struct {
	r          io.Reader
	total      int64
	interval   int64
	onProgress Func

	read          int64
	sinceLastCall int64
}

func NewReader(r io.Reader, total, interval int64, fn Func) *Reader {
	return &Reader{r: r, total: total, interval: interval, onProgress: fn}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n <= 0 {
		return n, err
	}

	pr.read += int64(n)
	pr.sinceLastCall += int64(n)

	if pr.interval > 0 && pr.sinceLastCall >= pr.interval {
		pr.sinceLastCall = 0

		if pr.onProgress != nil {
			pr.onProgress(pr.read, pr.total)
		}
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}
