// Package pcm handles 16-bit little-endian mono PCM buffers.
package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// TargetRate is the sample rate every engine consumes.
const TargetRate = 16000

// ErrInvalidPCM is returned for buffers or rates that cannot be resampled.
var ErrInvalidPCM = errors.New("invalid pcm16 buffer")

// Samples decodes little-endian PCM16 bytes.
func Samples(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrInvalidPCM, len(b))
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out, nil
}

// Bytes encodes samples as little-endian PCM16.
func Bytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// TargetLength returns round(n*to/from).
func TargetLength(n, from, to int) int {
	num := 2*int64(n)*int64(to) + int64(from)
	return int(num / (2 * int64(from)))
}

// Resample converts PCM16 audio between sample rates with Fourier-domain
// band-limited interpolation. The output holds exactly TargetLength samples.
// Equal rates return a copy of the input.
func Resample(b []byte, from, to int) ([]byte, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("%w: rates %d -> %d", ErrInvalidPCM, from, to)
	}
	in, err := Samples(b)
	if err != nil {
		return nil, err
	}
	if from == to {
		return append([]byte(nil), b...), nil
	}
	return Bytes(ResampleSamples(in, TargetLength(len(in), from, to))), nil
}

// ResampleSamples resamples x to exactly m samples by truncating or
// zero-padding its spectrum.
func ResampleSamples(x []int16, m int) []int16 {
	n := len(x)
	switch {
	case m <= 0 || n == 0:
		return []int16{}
	case m == n:
		return append([]int16(nil), x...)
	case n == 1:
		out := make([]int16, m)
		for i := range out {
			out[i] = x[0]
		}
		return out
	}

	seq := make([]float64, n)
	for i, s := range x {
		seq[i] = float64(s)
	}
	coeff := fourier.NewFFT(n).Coefficients(nil, seq)

	y := make([]complex128, m/2+1)
	minLen := min(n, m)
	copy(y, coeff[:minLen/2+1])
	if minLen%2 == 0 {
		nyq := minLen / 2
		if m < n {
			y[nyq] *= 2
		} else {
			y[nyq] *= 0.5
		}
	}

	out := fourier.NewFFT(m).Sequence(nil, y)

	res := make([]int16, m)
	scale := 1 / float64(n)
	for i, v := range out {
		res[i] = clamp(v * scale)
	}
	return res
}

func clamp(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
