package tts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	filePermissions = 0o644
	dirPermissions  = 0o755
	bitDepth        = 16
	pcmFormat       = 1
)

// writeWAV encodes 16-bit mono samples into path. The file is assembled
// under a temporary name and renamed into place once complete.
func writeWAV(path string, sampleRate int, samples []int) error {
	return writeAtomic(path, func(f *os.File) error {
		enc := wav.NewEncoder(f, sampleRate, bitDepth, 1, pcmFormat)
		buf := &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
			Data:           samples,
			SourceBitDepth: bitDepth,
		}
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("encode wav: %w", err)
		}
		return enc.Close()
	})
}

// writeStream copies r into path and fails when nothing was written.
func writeStream(path string, r io.Reader) error {
	return writeAtomic(path, func(f *os.File) error {
		n, err := io.Copy(f, r)
		if err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		if n == 0 {
			return ErrEmptyOutput
		}
		return nil
	})
}

func writeAtomic(path string, fill func(*os.File) error) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), ".synth-*.wav")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if err = fill(f); err != nil {
		return err
	}
	if err = f.Chmod(filePermissions); err != nil {
		return fmt.Errorf("chmod audio file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close audio file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("move audio file into place: %w", err)
	}
	return nil
}

// pcm16ToSamples decodes little-endian signed 16-bit PCM.
func pcm16ToSamples(pcm []byte) ([]int, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("pcm payload has odd length")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples, nil
}
