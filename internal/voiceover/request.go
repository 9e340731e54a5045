package voiceover

import (
	"fmt"
	"io"
)

// Method identifies a synthesis method as shown to users.
type Method string

const (
	MethodVoiceCloning  Method = "StyleTTS2-LibriTTS"
	MethodSingleSpeaker Method = "StyleTTS2-LJSpeech"
)

// Methods lists the selectable methods in display order.
var Methods = []Method{MethodVoiceCloning, MethodSingleSpeaker}

// ParseMethod maps a user-facing identifier onto a Method.
func ParseMethod(s string) (Method, error) {
	for _, m := range Methods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Request is either SingleSpeaker or VoiceCloning.
type Request interface {
	Method() Method
	text() string
}

// SingleSpeaker asks for the default voice of the single-speaker model.
// An empty Speaker selects the first configured speaker.
type SingleSpeaker struct {
	Text    string
	Speaker string
}

func (SingleSpeaker) Method() Method { return MethodSingleSpeaker }

func (r SingleSpeaker) text() string { return r.Text }

// VoiceCloning conditions the output voice on a reference recording.
type VoiceCloning struct {
	Text      string
	Reference ReferenceSource
}

func (VoiceCloning) Method() Method { return MethodVoiceCloning }

func (r VoiceCloning) text() string { return r.Text }

// ReferenceSource selects the recording used for voice cloning. An upload
// wins over a path; with neither set the default reference is used.
type ReferenceSource struct {
	Upload io.Reader
	Path   string
}

func UploadedReference(r io.Reader) ReferenceSource { return ReferenceSource{Upload: r} }

func ReferenceAt(path string) ReferenceSource { return ReferenceSource{Path: path} }

func DefaultReference() ReferenceSource { return ReferenceSource{} }
