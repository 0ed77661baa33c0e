package player

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/faiface/beep"
	"github.com/faiface/beep/flac"
	"github.com/faiface/beep/wav"
	mp3 "github.com/hajimehoshi/go-mp3"
)

// go-mp3 always produces 16-bit little-endian stereo.
const (
	bytesPerFrame   = 4
	int16Scale      = 32768.0
	int16MaxValue   = 32767.0
	mp3NumChannels  = 2
	mp3SamplePrecis = 2
)

// errUnsupportedFormat is reported when no decoder matches the file extension.
var errUnsupportedFormat = errors.New("unsupported audio format")

// DecodeFunc opens an audio stream from f. The returned streamer owns f.
type DecodeFunc func(f *os.File) (beep.StreamSeekCloser, beep.Format, error)

func defaultDecoders() map[string]DecodeFunc {
	return map[string]DecodeFunc{
		".mp3": decodeMP3,
		".wav": func(f *os.File) (beep.StreamSeekCloser, beep.Format, error) {
			return wav.Decode(f)
		},
		".flac": func(f *os.File) (beep.StreamSeekCloser, beep.Format, error) {
			return flac.Decode(f)
		},
	}
}

func decodeMP3(f *os.File) (beep.StreamSeekCloser, beep.Format, error) {
	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("mp3 decoder: %w", err)
	}
	format := beep.Format{
		SampleRate:  beep.SampleRate(decoder.SampleRate()),
		NumChannels: mp3NumChannels,
		Precision:   mp3SamplePrecis,
	}
	return &mp3Streamer{decoder: decoder, closer: f}, format, nil
}

// mp3Streamer adapts mp3.Decoder to beep.StreamSeekCloser.
type mp3Streamer struct {
	decoder *mp3.Decoder
	closer  io.Closer
	buf     []byte
	pos     int
	err     error
}

// Stream implements beep.Streamer.
func (m *mp3Streamer) Stream(samples [][2]float64) (int, bool) {
	if m.err != nil {
		return 0, false
	}

	need := len(samples) * bytesPerFrame
	if cap(m.buf) < need {
		m.buf = make([]byte, need)
	}
	buf := m.buf[:need]

	read, err := io.ReadFull(m.decoder, buf)
	frames := read / bytesPerFrame
	for i := 0; i < frames; i++ {
		left := int16(binary.LittleEndian.Uint16(buf[i*bytesPerFrame:]))
		right := int16(binary.LittleEndian.Uint16(buf[i*bytesPerFrame+2:]))
		samples[i][0] = float64(left) / int16Scale
		samples[i][1] = float64(right) / int16Scale
	}
	m.pos += frames

	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		m.err = err
	}
	return frames, frames > 0
}

// Err implements beep.Streamer.
func (m *mp3Streamer) Err() error {
	return m.err
}

// Len returns the total number of sample frames.
func (m *mp3Streamer) Len() int {
	return int(m.decoder.Length() / bytesPerFrame)
}

// Position returns the current position in sample frames.
func (m *mp3Streamer) Position() int {
	return m.pos
}

// Seek moves to sample frame p.
func (m *mp3Streamer) Seek(p int) error {
	if _, err := m.decoder.Seek(int64(p)*bytesPerFrame, io.SeekStart); err != nil {
		return err
	}
	m.pos = p
	return nil
}

// Close releases the underlying file.
func (m *mp3Streamer) Close() error {
	return m.closer.Close()
}

// encodePCM writes samples as 16-bit little-endian interleaved stereo into dst.
func encodePCM(dst []byte, samples [][2]float64) []byte {
	dst = dst[:0]
	var frame [bytesPerFrame]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint16(frame[0:], uint16(toInt16(s[0])))
		binary.LittleEndian.PutUint16(frame[2:], uint16(toInt16(s[1])))
		dst = append(dst, frame[:]...)
	}
	return dst
}

func toInt16(v float64) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * int16MaxValue)
}
