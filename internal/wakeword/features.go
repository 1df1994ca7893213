package wakeword

import (
	"errors"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	fftSize  = 512
	melBands = 32
	minHz    = 60.0
	maxHz    = 7600.0
	logFloor = 1e-10
)

// extractor turns a fixed-length window into a log-mel spectrogram,
// flattened frame by frame.
type extractor struct {
	sampleRate int
	samples    int
	frames     int
	window     []float64
	filters    [][]float64
}

func newExtractor(sampleRate, samples int) (*extractor, error) {
	if samples < fftSize {
		return nil, errors.New("window shorter than one fft frame")
	}
	if sampleRate < 2*int(maxHz) {
		return nil, errors.New("sample rate too low for the mel range")
	}

	return &extractor{
		sampleRate: sampleRate,
		samples:    samples,
		frames:     samples / fftSize,
		window:     hann(fftSize),
		filters:    melFilterbank(sampleRate, fftSize, melBands),
	}, nil
}

func (x *extractor) dim() int {
	return x.frames * melBands
}

func (x *extractor) features(pcm []float32) []float64 {
	pcm = fit(pcm, x.samples)

	out := make([]float64, 0, x.dim())
	fft := fourier.NewFFT(fftSize)
	frame := make([]float64, fftSize)
	power := make([]float64, fftSize/2+1)

	for f := range x.frames {
		for i, s := range pcm[f*fftSize : (f+1)*fftSize] {
			frame[i] = float64(s) * x.window[i]
		}

		powerSpectrum(fft, frame, power)

		for _, filter := range x.filters {
			var e float64
			for k, w := range filter {
				e += w * power[k]
			}
			out = append(out, math.Log(e+logFloor))
		}
	}

	return out
}

// powerSpectrum fills dst with |X[k]|^2 for the len(frame)/2+1
// non-negative frequency bins.
func powerSpectrum(fft *fourier.FFT, frame, dst []float64) {
	for k, c := range fft.Coefficients(nil, frame) {
		a := cmplx.Abs(c)
		dst[k] = a * a
	}
}

// fit zero-pads or truncates pcm to n samples.
func fit(pcm []float32, n int) []float32 {
	if len(pcm) == n {
		return pcm
	}

	out := make([]float32, n)
	copy(out, pcm)
	return out
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func hzToMel(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }
func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

// melFilterbank returns bands triangular filters over the n/2+1 power bins.
func melFilterbank(sampleRate, n, bands int) [][]float64 {
	bins := n/2 + 1
	lo, hi := hzToMel(minHz), hzToMel(maxHz)

	centers := make([]float64, bands+2)
	for i := range centers {
		hz := melToHz(lo + (hi-lo)*float64(i)/float64(bands+1))
		centers[i] = hz * float64(n) / float64(sampleRate)
	}

	filters := make([][]float64, bands)
	for b := range filters {
		left, mid, right := centers[b], centers[b+1], centers[b+2]
		f := make([]float64, bins)
		for k := range f {
			x := float64(k)
			switch {
			case x > left && x <= mid:
				f[k] = (x - left) / (mid - left)
			case x > mid && x < right:
				f[k] = (right - x) / (right - mid)
			}
		}
		filters[b] = f
	}

	return filters
}
