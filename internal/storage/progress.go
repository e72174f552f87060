package storage

import "sync"

// progressReader is handed to minio as PutObjectOptions.Progress. minio calls
// Read with a buffer whose length is the number of bytes just sent.
type progressReader struct {
	mu    sync.Mutex
	total int64
	sent  int64
	fn    func(float64)
}

func newProgressReader(total int64, fn func(float64)) *progressReader {
	return &progressReader{total: total, fn: fn}
}

func (p *progressReader) Read(b []byte) (int, error) {
	p.mu.Lock()
	p.sent += int64(len(b))
	frac := Fraction(p.sent, p.total)
	p.mu.Unlock()
	p.fn(frac)
	return len(b), nil
}

// Fraction returns done/total clamped to [0,1]. An empty total counts as done.
func Fraction(done, total int64) float64 {
	if total <= 0 {
		return 1
	}
	f := float64(done) / float64(total)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
