package protocol

import "time"

// SynthesisCompleted is broadcast after a synthesis record is stored.
type SynthesisCompleted struct {
	RecordID       int64     `json:"record_id"`
	Text           string    `json:"text"`
	Method         string    `json:"method"`
	Speaker        string    `json:"speaker"`
	WavFile        string    `json:"wav_file"`
	ReferenceAudio string    `json:"reference_audio"`
	Timestamp      time.Time `json:"timestamp"`
	AudioObject    string    `json:"audio_object,omitempty"`
}

// SynthesisRequest asks the service to synthesize text over the bus. An empty
// ReferenceAudio selects the default reference for voice cloning.
type SynthesisRequest struct {
	Text           string `json:"text"`
	Method         string `json:"method"`
	Speaker        string `json:"speaker,omitempty"`
	ReferenceAudio string `json:"reference_audio,omitempty"`
}

// SynthesisReply answers a SynthesisRequest.
type SynthesisReply struct {
	Completed *SynthesisCompleted `json:"completed,omitempty"`
	Error     string              `json:"error,omitempty"`
}

const (
	SubjectSynthesisRequest   = "voiceover.synthesis.request"
	SubjectSynthesisCompleted = "voiceover.synthesis.completed"

	HeaderRecordID = "Voiceover-Record-Id"
	HeaderMethod   = "Voiceover-Method"
)
