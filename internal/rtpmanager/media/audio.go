package media

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zaf/g711"
)

// TargetSampleRate is the narrowband rate every clip is converted to.
const TargetSampleRate = 8000

// AudioFile holds the format and PCM data of a decoded WAV file.
type AudioFile struct {
	AudioFormat   uint16
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	PCMData       []byte
}

// fmtChunk mirrors the leading fields of a WAV "fmt " chunk.
type fmtChunk struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// ReadWAVFile opens and decodes a PCM WAV file.
func ReadWAVFile(filePath string) (*AudioFile, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	af, err := DecodeWAV(bufio.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	slog.Debug("[WAV] Loaded", "file", filePath, "sample_rate", af.SampleRate, "channels", af.NumChannels, "size_bytes", len(af.PCMData))
	return af, nil
}

// DecodeWAV reads a RIFF/WAVE stream containing 16-bit linear PCM.
func DecodeWAV(r io.Reader) (*AudioFile, error) {
	var riff struct {
		ID   [4]byte
		Size uint32
		Wave [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Wave[:]) != "WAVE" {
		return nil, errors.New("not a RIFF/WAVE stream")
	}

	var af *AudioFile
	for {
		var hdr struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("data chunk not found")
			}
			return nil, fmt.Errorf("failed to read chunk header: %w", err)
		}

		switch string(hdr.ID[:]) {
		case "fmt ":
			var f fmtChunk
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return nil, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			if f.AudioFormat != 1 {
				return nil, fmt.Errorf("only PCM audio format (1) is supported, got %d", f.AudioFormat)
			}
			if f.BitsPerSample != 16 {
				return nil, fmt.Errorf("only 16-bit samples are supported, got %d", f.BitsPerSample)
			}
			af = &AudioFile{
				AudioFormat:   f.AudioFormat,
				SampleRate:    f.SampleRate,
				NumChannels:   f.NumChannels,
				BitsPerSample: f.BitsPerSample,
			}
			if extra := int64(hdr.Size) - 16; extra > 0 {
				if _, err := io.CopyN(io.Discard, r, extra); err != nil {
					return nil, fmt.Errorf("failed to skip fmt extension: %w", err)
				}
			}

		case "data":
			if af == nil {
				return nil, errors.New("data chunk before fmt chunk")
			}
			af.PCMData = make([]byte, hdr.Size)
			if _, err := io.ReadFull(r, af.PCMData); err != nil {
				return nil, fmt.Errorf("failed to read audio data: %w", err)
			}
			return af, nil

		default:
			// Chunks are padded to an even size.
			if _, err := io.CopyN(io.Discard, r, int64(hdr.Size+hdr.Size%2)); err != nil {
				return nil, fmt.Errorf("failed to skip chunk %q: %w", hdr.ID, err)
			}
		}
	}
}

// ResampleAudio converts audio to 8000 Hz mono 16-bit PCM.
func ResampleAudio(af *AudioFile) ([]byte, error) {
	var mono []byte
	switch af.NumChannels {
	case 1:
		mono = af.PCMData
	case 2:
		mono = make([]byte, len(af.PCMData)/2)
		for i := 0; i+3 < len(af.PCMData); i += 4 {
			left := int16(binary.LittleEndian.Uint16(af.PCMData[i:]))
			right := int16(binary.LittleEndian.Uint16(af.PCMData[i+2:]))
			binary.LittleEndian.PutUint16(mono[i/2:], uint16(int16((int32(left)+int32(right))/2)))
		}
	default:
		return nil, fmt.Errorf("unsupported number of channels: %d", af.NumChannels)
	}

	if af.SampleRate == TargetSampleRate {
		return mono, nil
	}
	if af.SampleRate == 0 {
		return nil, errors.New("sample rate is zero")
	}

	// Linear interpolation.
	ratio := float64(af.SampleRate) / float64(TargetSampleRate)
	inSamples := len(mono) / 2
	outSamples := int(float64(inSamples) / ratio)
	out := make([]byte, 0, outSamples*2)
	for i := 0; i < outSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx+1 >= inSamples {
			break
		}
		frac := pos - float64(idx)
		s1 := float64(int16(binary.LittleEndian.Uint16(mono[idx*2:])))
		s2 := float64(int16(binary.LittleEndian.Uint16(mono[(idx+1)*2:])))
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(s1*(1-frac)+s2*frac)))
	}

	slog.Debug("[Audio] Resampled", "from", af.SampleRate, "to", TargetSampleRate, "samples", len(out)/2)
	return out, nil
}

// PCMToPCMU converts 16-bit little-endian PCM to µ-law.
func PCMToPCMU(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// LoadClip reads a WAV file and returns it as 8 kHz µ-law.
func LoadClip(filePath string) ([]byte, error) {
	af, err := ReadWAVFile(filePath)
	if err != nil {
		return nil, err
	}
	pcm, err := ResampleAudio(af)
	if err != nil {
		return nil, err
	}
	return PCMToPCMU(pcm), nil
}
