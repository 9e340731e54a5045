// Package audio manages reference recordings used for voice cloning.
package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/loqalabs/voiceover/internal/config"
)

var ErrInvalidWAV = errors.New("uploaded reference is not a valid WAV file")

// References stores uploaded reference audio and knows the default speaker.
type References struct {
	dir        string
	defaultRef string
	maxBytes   int64
	clock      func() time.Time
	newID      func() string
}

func NewReferences(cfg config.AudioConfig) *References {
	return &References{
		dir:        cfg.ReferenceDir,
		defaultRef: cfg.DefaultReference,
		maxBytes:   cfg.MaxUploadBytes,
		clock:      time.Now,
		newID:      func() string { return uuid.NewString()[:8] },
	}
}

// DefaultPath returns the reference used when nothing was uploaded.
func (r *References) DefaultPath() string { return r.defaultRef }

// Dir returns the directory uploads are written to.
func (r *References) Dir() string { return r.dir }

// Save persists an uploaded recording and returns its path. Names carry the
// upload time plus a random suffix so uploads in the same second never
// overwrite each other. Nothing is kept if the payload is not a WAV file.
func (r *References) Save(src io.Reader) (path string, err error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create reference dir: %w", err)
	}
	name := fmt.Sprintf("uploaded_%s_%s.wav", r.clock().Format("20060102_150405"), r.newID())
	dst := filepath.Join(r.dir, name)

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return "", fmt.Errorf("create reference file: %w", err)
	}
	defer func() {
		closeErr := f.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("close reference file: %w", closeErr)
		}
		if err != nil {
			_ = os.Remove(dst)
			path = ""
		}
	}()

	limited := io.LimitReader(src, r.maxBytes+1)
	n, err := io.Copy(f, limited)
	if err != nil {
		return "", fmt.Errorf("write reference file: %w", err)
	}
	if n > r.maxBytes {
		return "", fmt.Errorf("reference upload exceeds %d bytes", r.maxBytes)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind reference file: %w", err)
	}
	if !wav.NewDecoder(f).IsValidFile() {
		return "", ErrInvalidWAV
	}
	return dst, nil
}

// InDir reports whether path resolves to a file strictly below dir.
func InDir(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Info summarizes a WAV file for display.
type Info struct {
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Describe reads the header of the WAV file at path.
func Describe(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return Info{}, ErrInvalidWAV
	}
	if err := d.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("locate pcm chunk: %w", err)
	}
	info := Info{SampleRate: int(d.SampleRate), Channels: int(d.NumChans)}
	bytesPerSec := int64(d.SampleRate) * int64(d.NumChans) * int64(d.BitDepth) / 8
	if bytesPerSec > 0 {
		info.Duration = time.Duration(d.PCMLen() * int64(time.Second) / bytesPerSec)
	}
	return info, nil
}

// Exists reports whether path names a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
