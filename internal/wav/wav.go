// Package wav wraps headerless 16-bit mono PCM in a canonical 44-byte RIFF/WAVE header
// and parses such headers back.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Canonical header layout.
const (
	HeaderSize    = 44
	Channels      = 1
	BitsPerSample = 16
	BlockAlign    = Channels * BitsPerSample / 8

	fmtChunkSize = 16
	formatPCM    = 1
	riffOverhead = HeaderSize - 8
)

// Chunk tags.
const (
	tagRIFF = "RIFF"
	tagWAVE = "WAVE"
	tagFmt  = "fmt "
	tagData = "data"
)

// Output format prefix for raw PCM requests.
const pcmFormatPrefix = "pcm_"

var (
	// ErrInvalidHeader indicates bytes that do not start with a canonical PCM header.
	ErrInvalidHeader = errors.New("invalid wav header")
	// ErrInvalidFormat indicates an output format string that is not pcm_<rate>.
	ErrInvalidFormat = errors.New("invalid pcm output format")
)

// SupportedSampleRates are the rates the cloud API serves as raw PCM.
var SupportedSampleRates = []int{8000, 16000, 22050, 24000, 44100, 48000}

// Header is the parsed content of a canonical header.
type Header struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	ByteRate      int
	BlockAlign    int
	DataLength    int
}

// FromPCM returns a WAV file: the canonical header followed by pcm, unmodified.
func FromPCM(pcm []byte, sampleRate int) []byte {
	out := make([]byte, HeaderSize+len(pcm))

	copy(out[0:4], tagRIFF)
	binary.LittleEndian.PutUint32(out[4:8], uint32(riffOverhead+len(pcm)))
	copy(out[8:12], tagWAVE)

	copy(out[12:16], tagFmt)
	binary.LittleEndian.PutUint32(out[16:20], fmtChunkSize)
	binary.LittleEndian.PutUint16(out[20:22], formatPCM)
	binary.LittleEndian.PutUint16(out[22:24], Channels)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*BlockAlign))
	binary.LittleEndian.PutUint16(out[32:34], BlockAlign)
	binary.LittleEndian.PutUint16(out[34:36], BitsPerSample)

	copy(out[36:40], tagData)
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[HeaderSize:], pcm)

	return out
}

// ParseHeader decodes the first 44 bytes of a canonical PCM WAV file.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(data))
	}

	if string(data[0:4]) != tagRIFF || string(data[8:12]) != tagWAVE ||
		string(data[12:16]) != tagFmt || string(data[36:40]) != tagData {
		return Header{}, fmt.Errorf("%w: unexpected chunk tags", ErrInvalidHeader)
	}

	if binary.LittleEndian.Uint16(data[20:22]) != formatPCM {
		return Header{}, fmt.Errorf("%w: not linear PCM", ErrInvalidHeader)
	}

	return Header{
		SampleRate:    int(binary.LittleEndian.Uint32(data[24:28])),
		Channels:      int(binary.LittleEndian.Uint16(data[22:24])),
		BitsPerSample: int(binary.LittleEndian.Uint16(data[34:36])),
		ByteRate:      int(binary.LittleEndian.Uint32(data[28:32])),
		BlockAlign:    int(binary.LittleEndian.Uint16(data[32:34])),
		DataLength:    int(binary.LittleEndian.Uint32(data[40:44])),
	}, nil
}

// SampleRateFromFormat parses "pcm_<rate>" and checks the rate is supported.
func SampleRateFromFormat(format string) (int, error) {
	rateText, ok := strings.CutPrefix(strings.TrimSpace(format), pcmFormatPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}

	rate, err := strconv.Atoi(rateText)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}

	for _, supported := range SupportedSampleRates {
		if rate == supported {
			return rate, nil
		}
	}

	return 0, fmt.Errorf("%w: unsupported sample rate %d", ErrInvalidFormat, rate)
}
