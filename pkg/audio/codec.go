package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// NativeSampleRate is the telephony transport rate (G.711 mu-law)
	NativeSampleRate = 8000

	// PipelineSampleRate is the rate used between the codec and STT/TTS
	PipelineSampleRate = 16000

	// FrameDuration is the duration of one transport media frame
	FrameDuration = 20 * time.Millisecond

	// InboundGain boosts quiet phone audio before recognition
	InboundGain = 3.0

	// MinEnergyBytes is the shortest buffer RMSEnergy will measure
	MinEnergyBytes = 100

	// SilenceEnergy is the level under which a decoded frame is dropped
	SilenceEnergy = 1.0

	muLawBias = 0x84
	muLawClip = 32635
)

var muLawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
	}
}

func decodeMuLawSample(uval byte) int16 {
	uval = ^uval
	sign := uval & 0x80
	exponent := (uval >> 4) & 0x07
	mantissa := uval & 0x0F
	magnitude := ((int16(mantissa) << 3) + muLawBias) << exponent
	magnitude -= muLawBias
	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

func encodeMuLawSample(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(uint(exponent)+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// MuLawToPCM decodes mu-law bytes into 16-bit little-endian PCM at the same rate
func MuLawToPCM(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(muLawDecodeTable[b]))
	}
	return out
}

// PCMToMuLaw encodes 16-bit little-endian PCM into mu-law bytes at the same rate
func PCMToMuLaw(pcm []byte) []byte {
	samples := pcmSamples(pcm)
	if len(samples) == 0 {
		return nil
	}
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeMuLawSample(s)
	}
	return out
}

// DecodeInboundFrame turns a transport mu-law frame into gain-boosted 16 kHz
// PCM. It returns nil when the result is too quiet to be speech.
func DecodeInboundFrame(muLaw []byte) []byte {
	if len(muLaw) == 0 {
		return nil
	}
	samples := make([]int16, len(muLaw))
	for i, b := range muLaw {
		samples[i] = applyGain(muLawDecodeTable[b], InboundGain)
	}
	pcm := samplesToBytes(Upsample2x(samples))
	if RMSEnergy(pcm) < SilenceEnergy {
		return nil
	}
	return pcm
}

// EncodeOutboundFrame turns 16 kHz PCM into mu-law at the transport rate
func EncodeOutboundFrame(pcm16k []byte) []byte {
	samples := pcmSamples(pcm16k)
	if len(samples) == 0 {
		return nil
	}
	down := Downsample2x(samples)
	out := make([]byte, len(down))
	for i, s := range down {
		out[i] = encodeMuLawSample(s)
	}
	return out
}

// OutboundEncoder encodes a stream of pipeline PCM chunks. Bytes that do
// not fill a whole sample pair are held and prepended to the next chunk,
// so chunk boundaries never duplicate a sample.
type OutboundEncoder struct {
	pending []byte
}

// Encode returns the transport frame for every complete sample pair
func (e *OutboundEncoder) Encode(pcm16k []byte) []byte {
	buf := pcm16k
	if len(e.pending) > 0 {
		buf = append(e.pending, pcm16k...)
		e.pending = nil
	}
	whole := len(buf) - len(buf)%4
	if whole < len(buf) {
		e.pending = append([]byte(nil), buf[whole:]...)
	}
	return EncodeOutboundFrame(buf[:whole])
}

// Flush encodes a held trailing sample on its own. A lone odd byte is
// dropped.
func (e *OutboundEncoder) Flush() []byte {
	pending := e.pending
	e.pending = nil
	if len(pending) < 2 {
		return nil
	}
	return EncodeOutboundFrame(pending[:2])
}

// Upsample2x doubles the sample rate with linear interpolation
func Upsample2x(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[2*i] = s
		next := s
		if i+1 < len(in) {
			next = in[i+1]
		}
		out[2*i+1] = int16((int32(s) + int32(next)) / 2)
	}
	return out
}

// Downsample2x halves the sample rate by averaging sample pairs
func Downsample2x(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	out := make([]int16, (len(in)+1)/2)
	for i := range out {
		a := int32(in[2*i])
		b := a
		if 2*i+1 < len(in) {
			b = int32(in[2*i+1])
		}
		out[i] = int16((a + b) / 2)
	}
	return out
}

// RMSEnergy is the root mean square of a 16-bit little-endian PCM buffer.
// Buffers shorter than MinEnergyBytes measure as zero.
func RMSEnergy(pcm []byte) float64 {
	if len(pcm) < MinEnergyBytes {
		return 0
	}
	n := len(pcm) / 2
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// RMSEnergyMuLaw measures a mu-law buffer after decoding it
func RMSEnergyMuLaw(muLaw []byte) float64 {
	if len(muLaw) < MinEnergyBytes/2 {
		return 0
	}
	return RMSEnergy(MuLawToPCM(muLaw))
}

// HasSpeech reports whether the buffer's energy exceeds threshold. Any
// internal failure counts as speech so a real utterance is never dropped.
func HasSpeech(pcm []byte, threshold float64) (speech bool) {
	defer func() {
		if r := recover(); r != nil {
			speech = true
		}
	}()
	return RMSEnergy(pcm) > threshold
}

func applyGain(sample int16, gain float64) int16 {
	v := float64(sample) * gain
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func pcmSamples(pcm []byte) []int16 {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// SilenceMuLaw returns d worth of mu-law silence at the transport rate
func SilenceMuLaw(d time.Duration) []byte {
	n := int(d.Seconds() * NativeSampleRate)
	out := make([]byte, n)
	for i := range out {
		out[i] = 0xFF
	}
	return out
}

// SilencePCM returns d worth of 16-bit PCM silence at rate
func SilencePCM(d time.Duration, rate int) []byte {
	return make([]byte, int(d.Seconds()*float64(rate))*2)
}

// ResamplePCM converts 16-bit PCM between rates by linear interpolation
func ResamplePCM(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	in := pcmSamples(pcm)
	if len(in) == 0 {
		return nil
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return samplesToBytes(out)
}
