// Package analyzer defines the contract for the external VAD, ASR, and
// diarization services the worker framework drives. The analyzers
// themselves are opaque collaborators; this package only types their
// interface and result shapes.
package analyzer

import "context"

// Kind identifies which of the three analyses a Result carries.
type Kind string

const (
	KindVAD         Kind = "vad"
	KindASR         Kind = "asr"
	KindDiarization Kind = "diarization"
)

// Segment is a single time-bounded span of audio, used by the VAD
// payload (diarization uses DiarizationSegment).
type Segment struct {
	StartS float64 `json:"start_s"`
	EndS   float64 `json:"end_s"`
}

// VADPayload is the voice-activity-detection result shape.
type VADPayload struct {
	IsSpeech   bool      `json:"is_speech"`
	Confidence float64   `json:"confidence"`
	Segments   []Segment `json:"segments"`
}

// ASRSegment is one transcribed span within an ASRPayload.
type ASRSegment struct {
	StartS     float64 `json:"start_s"`
	EndS       float64 `json:"end_s"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ASRPayload is the automatic-speech-recognition result shape.
type ASRPayload struct {
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	Segments   []ASRSegment `json:"segments"`
	Language   string       `json:"language"`
}

// DiarizationSegment attributes one time span to a speaker.
type DiarizationSegment struct {
	Speaker string  `json:"speaker"`
	StartS  float64 `json:"start_s"`
	EndS    float64 `json:"end_s"`
}

// DiarizationPayload is the speaker-diarization result shape.
type DiarizationPayload struct {
	Speakers []string             `json:"speakers"`
	Segments []DiarizationSegment `json:"segments"`
}

// Result is the outcome of running one analyzer over one chunk. Only the
// payload field matching Kind is populated; on Ok == false the payload
// still carries kind-required keys with safe defaults so downstream code
// never fails parsing a failure (invariant I2).
type Result struct {
	SessionID     string `json:"session_id"`
	ChunkID       int64  `json:"chunk_id"`
	Kind          Kind   `json:"kind"`
	ProcessingMs  int64  `json:"processing_ms"`
	Ok            bool   `json:"ok"`
	Error         string `json:"error,omitempty"`
	CorrelationID string `json:"-"`

	VAD         VADPayload         `json:"vad,omitempty"`
	ASR         ASRPayload         `json:"asr,omitempty"`
	Diarization DiarizationPayload `json:"diarization,omitempty"`
}

// Payload returns the kind-appropriate payload as a generic value, for
// callers (the aggregator) that need to place it under results[kind]
// without a type switch at every call site.
func (r Result) Payload() interface{} {
	switch r.Kind {
	case KindVAD:
		return r.VAD
	case KindASR:
		return r.ASR
	case KindDiarization:
		return r.Diarization
	default:
		return nil
	}
}

// Service is the opaque analyzer contract: initialize, process one
// chunk, and release resources. Implementations are assumed not to be
// safe for concurrent Process calls; the worker owning a Service
// serializes its invocations.
type Service interface {
	// Initialize prepares the analyzer (loading models, allocating
	// memory). Idempotent.
	Initialize(ctx context.Context) error

	// Process runs the analysis over one chunk of opaque audio bytes at
	// the given sample rate and returns the kind-specific result.
	Process(ctx context.Context, data []byte, sampleRate int) (Result, error)

	// Cleanup releases analyzer resources. Idempotent.
	Cleanup(ctx context.Context) error

	// Kind reports which analysis this Service performs.
	Kind() Kind
}
