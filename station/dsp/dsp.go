// Package dsp implements the signal preprocessing chain applied to a
// buffer window before inference: linear detrend, Butterworth bandpass,
// and polyphase resampling to the model's native rate.
package dsp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"seisdaq/station/buffer"
)

const (
	nativeHz    = 250
	resampledHz = 100
	numChannels = 3
)

// PreparedWindow holds the three detrended, filtered, resampled channel
// sequences ready for sliding-window feature extraction, aligned to the
// original window's start time.
type PreparedWindow struct {
	StartTime int64 // unix seconds, kept as int64 to avoid importing time here
	Channels  [numChannels][]float32
}

// Detrend subtracts the least-squares best-fit line from samples,
// removing the channel's DC offset and linear drift.
func Detrend(samples []float64) []float64 {
	n := len(samples)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	intercept, slope := stat.LinearRegression(xs, samples, nil, false)
	for i, v := range samples {
		out[i] = v - (intercept + slope*float64(i))
	}
	return out
}

// biquad is one second-order IIR section in direct form II transposed.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
}

func (f *biquad) step(x float64) float64 {
	y := f.b0*x + f.z1
	f.z1 = f.b1*x - f.a1*y + f.z2
	f.z2 = f.b2*x - f.a2*y
	return y
}

// BandpassButterworth applies an order-N (N even, cascaded-biquad)
// Butterworth bandpass filter, realized as a high-pass at freqMin
// cascaded with a low-pass at freqMax, applied forward-only (a single
// causal pass, not filtfilt).
func BandpassButterworth(samples []float64, fs, freqMin, freqMax float64, order int) []float64 {
	sections := designButterworthBandpass(fs, freqMin, freqMax, order)
	out := make([]float64, len(samples))
	copy(out, samples)
	for _, sec := range sections {
		s := sec
		for i, x := range out {
			out[i] = s.step(x)
		}
	}
	return out
}

// designButterworthBandpass builds the biquad cascade: order/2
// high-pass sections cornered at freqMin followed by order/2 low-pass
// sections cornered at freqMax, each section carrying one Butterworth
// pole pair's Q so the composite response is maximally flat. The
// default order=4 yields two biquads per corner.
func designButterworthBandpass(fs, freqMin, freqMax float64, order int) []biquad {
	if order < 2 {
		order = 2
	}
	npairs := order / 2

	sections := make([]biquad, 0, 2*npairs)
	for k := 0; k < npairs; k++ {
		theta := math.Pi * (2*float64(k) + 1) / (2 * float64(order))
		q := 1 / (2 * math.Sin(theta))
		sections = append(sections, rbjHighpass(2*math.Pi*freqMin/fs, q))
	}
	for k := 0; k < npairs; k++ {
		theta := math.Pi * (2*float64(k) + 1) / (2 * float64(order))
		q := 1 / (2 * math.Sin(theta))
		sections = append(sections, rbjLowpass(2*math.Pi*freqMax/fs, q))
	}
	return sections
}

// rbjLowpass designs one low-pass biquad cornered at angular frequency
// w0 (radians/sample) with Q-factor q.
func rbjLowpass(w0, q float64) biquad {
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)
	a0 := 1 + alpha

	return biquad{
		b0: (1 - cosw0) / 2 / a0,
		b1: (1 - cosw0) / a0,
		b2: (1 - cosw0) / 2 / a0,
		a1: -2 * cosw0 / a0,
		a2: (1 - alpha) / a0,
	}
}

// rbjHighpass designs one high-pass biquad cornered at angular
// frequency w0 (radians/sample) with Q-factor q.
func rbjHighpass(w0, q float64) biquad {
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)
	a0 := 1 + alpha

	return biquad{
		b0: (1 + cosw0) / 2 / a0,
		b1: -(1 + cosw0) / a0,
		b2: (1 + cosw0) / 2 / a0,
		a1: -2 * cosw0 / a0,
		a2: (1 - alpha) / a0,
	}
}

// Resample converts samples from fromHz to toHz using a polyphase,
// antialiased FIR resampler, using the reduced integer ratio of the two
// rates. The preprocessing chain always calls it for 250->100 Hz
// (ratio 2:5).
func Resample(samples []float64, fromHz, toHz int) []float64 {
	up, down := rationalRatio(fromHz, toHz)
	kernel := lowpassKernel(up, down)

	// Polyphase interpolate-then-decimate: conceptually upsample by up
	// (zero-stuffing), convolve with kernel, then take every down'th
	// sample. Implemented directly against the decimated output index
	// to avoid materializing the upsampled signal.
	taps := len(kernel)
	center := taps / 2
	outLen := len(samples) * up / down
	out := make([]float64, outLen)

	for n := 0; n < outLen; n++ {
		// Position in the upsampled timeline.
		pos := n * down
		var acc float64
		for t := 0; t < taps; t++ {
			upIdx := pos + t - center
			if upIdx < 0 || upIdx%up != 0 {
				continue
			}
			srcIdx := upIdx / up
			if srcIdx < 0 || srcIdx >= len(samples) {
				continue
			}
			acc += samples[srcIdx] * kernel[t]
		}
		out[n] = acc * float64(up)
	}
	return out
}

func rationalRatio(fromHz, toHz int) (up, down int) {
	g := gcd(fromHz, toHz)
	return toHz / g, fromHz / g
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// lowpassKernel generates a windowed-sinc lowpass FIR kernel cutting off
// at the Nyquist frequency of the lower of the two polyphase rates, with
// a Hamming window taper.
func lowpassKernel(up, down int) []float64 {
	const tapsPerSide = 32
	taps := tapsPerSide*2*maxInt(up, down) + 1
	fc := 0.5 / float64(maxInt(up, down))

	kernel := make([]float64, taps)
	center := float64(taps-1) / 2
	for j := 0; j < taps; j++ {
		x := float64(j) - center
		var sinc float64
		if x == 0 {
			sinc = 2 * fc
		} else {
			sinc = math.Sin(2*math.Pi*fc*x) / (math.Pi * x)
		}
		hamming := 0.53836 - 0.46164*math.Cos((float64(j)*2*math.Pi)/float64(taps-1))
		kernel[j] = sinc * hamming
	}
	return kernel
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Preprocess runs detrend, bandpass, and resample over each channel of
// w, in that order, returning float32 arrays sized for feature
// extraction.
func Preprocess(w *buffer.Window, freqMin, freqMax float64) (PreparedWindow, error) {
	if w == nil {
		return PreparedWindow{}, fmt.Errorf("dsp: nil window")
	}

	var out PreparedWindow
	out.StartTime = w.StartTime.Unix()

	for ch := 0; ch < numChannels; ch++ {
		raw := w.Channels[ch]
		f := make([]float64, len(raw))
		for i, v := range raw {
			f[i] = float64(v)
		}

		f = Detrend(f)
		f = BandpassButterworth(f, nativeHz, freqMin, freqMax, 4)
		f = Resample(f, nativeHz, resampledHz)

		chanOut := make([]float32, len(f))
		for i, v := range f {
			chanOut[i] = float32(v)
		}
		out.Channels[ch] = chanOut
	}

	return out, nil
}
