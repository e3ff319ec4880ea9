package lsm

import (
	"bytes"
	"os"

	bloom "github.com/bits-and-blooms/bloom/v3"
)

// BloomPolicy is the per-table key filter. It lives in a sidecar file next to
// the table so the table layout itself stays unchanged.
type BloomPolicy struct {
	FpRate float64
	Filter *bloom.BloomFilter
}

func newBloomPolicy(expectedKeys int, fpRate float64) *BloomPolicy {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	return &BloomPolicy{FpRate: fpRate, Filter: bloom.NewWithEstimates(uint(expectedKeys), fpRate)}
}

func (b *BloomPolicy) Add(key []byte) { b.Filter.Add(key) }

// MayContain is false only when key is definitely absent.
func (b *BloomPolicy) MayContain(key []byte) bool {
	if b == nil || b.Filter == nil {
		return true
	}
	return b.Filter.Test(key)
}

// FillRatio is the share of filter bits set, a saturation indicator.
func (b *BloomPolicy) FillRatio() float64 {
	bs := b.Filter.BitSet()
	if bs.Len() == 0 {
		return 0
	}
	return float64(bs.Count()) / float64(bs.Len())
}

func (b *BloomPolicy) WriteToBuffer() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.Filter.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *BloomPolicy) ReadFromBuffer(data []byte) error {
	if b.Filter == nil {
		b.Filter = bloom.New(1, 1)
	}
	if _, err := b.Filter.ReadFrom(bytes.NewReader(data)); err != nil {
		return formatErrorf("bloom filter: %v", err)
	}
	return nil
}

func writeFilterFile(path string, b *BloomPolicy) error {
	data, err := b.WriteToBuffer()
	if err != nil {
		return ioErrorf(err, "encode filter %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ioErrorf(err, "create filter %s", path)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return ioErrorf(err, "write filter %s", path)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return ioErrorf(err, "sync filter %s", path)
	}
	if err := f.Close(); err != nil {
		return ioErrorf(err, "close filter %s", path)
	}
	return nil
}

// loadFilterFile returns nil, nil when the sidecar does not exist.
func loadFilterFile(path string, fpRate float64) (*BloomPolicy, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErrorf(err, "read filter %s", path)
	}
	b := &BloomPolicy{FpRate: fpRate}
	if err := b.ReadFromBuffer(data); err != nil {
		return nil, err
	}
	return b, nil
}
