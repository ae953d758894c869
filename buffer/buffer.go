// Package buffer provides a fixed-capacity ring for brew telemetry
// samples. Wait loops poll the machine at a fixed interval; the ring
// keeps the most recent window without unbounded growth on long brews.
package buffer

import (
	"time"
)

// Sample denotes one telemetry reading taken during a brew
type Sample struct {
	Time        time.Time
	Weight      float64 // Scale weight in grams
	Temperature float64 // Brewer water temperature in °C
	Running     bool    // Whether the brewer was dispensing
}

// Samples denotes a set of telemetry readings
type Samples []Sample

// SampleBuffer denotes a fixed-capacity telemetry ring
type SampleBuffer struct {
	data Samples
	ptr  int
	len  int
	cap  int
}

// NewSampleBuffer instantiates a new ring of given capacity
func NewSampleBuffer(cap int) *SampleBuffer {
	return &SampleBuffer{
		data: make(Samples, cap),
		ptr:  0,
		cap:  cap,
	}
}

// Append adds a sample, evicting the oldest one once the ring is full
func (b *SampleBuffer) Append(s Sample) {
	b.data[b.ptr] = s
	b.ptr = (b.ptr + 1) % b.cap
	if b.len < b.cap {
		b.len++
	}
}

// Len returns the number of samples currently held
func (b *SampleBuffer) Len() int {
	return b.len
}

// Last retrieves the most recent sample
func (b *SampleBuffer) Last() Sample {
	ptr := b.ptr - 1
	if ptr < 0 {
		ptr = b.cap - 1
	}

	return b.data[ptr]
}

// LastN retrieves the n most recent samples, newest first
func (b *SampleBuffer) LastN(n int) Samples {

	if n > b.cap {
		panic("Cannot retrieve more buffer elements than its capacity")
	}

	res := make(Samples, n)

	ptr := b.ptr - 1
	for i := 0; i < n; i++ {
		pos := ptr - i
		if pos < 0 {
			pos = b.cap + pos
		}
		res[i] = b.data[pos]
	}

	return res
}

// Ordered returns all held samples in chronological order
func (b *SampleBuffer) Ordered() Samples {
	res := b.LastN(b.len)
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res
}
