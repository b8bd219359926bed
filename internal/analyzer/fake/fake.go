// Package fake provides deterministic analyzer.Service implementations
// used by the end-to-end tests described alongside the pipeline's
// testable properties. Each fake supports an injectable delay and a
// forced error, so timeout and failure scenarios can be reproduced
// without a real model.
package fake

import (
	"context"
	"fmt"

	"github.com/streamvox/pipeline/internal/analyzer"
)

// VAD returns is_speech = len(bytes) > 1024, matching the literal fake
// behavior used by the pipeline's end-to-end test scenarios.
type VAD struct {
	Delay    func(ctx context.Context) error
	ForceErr error
}

func (f *VAD) Initialize(ctx context.Context) error { return nil }
func (f *VAD) Cleanup(ctx context.Context) error    { return nil }
func (f *VAD) Kind() analyzer.Kind                  { return analyzer.KindVAD }

func (f *VAD) Process(ctx context.Context, data []byte, sampleRate int) (analyzer.Result, error) {
	if f.Delay != nil {
		if err := f.Delay(ctx); err != nil {
			return analyzer.Result{}, err
		}
	}
	if f.ForceErr != nil {
		return analyzer.Result{}, f.ForceErr
	}
	isSpeech := len(data) > 1024
	end := 0.0
	if sampleRate > 0 {
		end = float64(len(data)) / float64(sampleRate*2)
	}
	return analyzer.Result{
		Kind: analyzer.KindVAD,
		Ok:   true,
		VAD: analyzer.VADPayload{
			IsSpeech:   isSpeech,
			Confidence: 1.0,
			Segments:   []analyzer.Segment{{StartS: 0, EndS: end}},
		},
	}, nil
}

// ASR returns text = "T" + len(bytes), matching the literal fake
// behavior used by the pipeline's end-to-end test scenarios.
type ASR struct {
	Delay    func(ctx context.Context) error
	ForceErr error
}

func (f *ASR) Initialize(ctx context.Context) error { return nil }
func (f *ASR) Cleanup(ctx context.Context) error    { return nil }
func (f *ASR) Kind() analyzer.Kind                  { return analyzer.KindASR }

func (f *ASR) Process(ctx context.Context, data []byte, sampleRate int) (analyzer.Result, error) {
	if f.Delay != nil {
		if err := f.Delay(ctx); err != nil {
			return analyzer.Result{}, err
		}
	}
	if f.ForceErr != nil {
		return analyzer.Result{}, f.ForceErr
	}
	text := fmt.Sprintf("T%d", len(data))
	end := 0.0
	if sampleRate > 0 {
		end = float64(len(data)) / float64(sampleRate*2)
	}
	return analyzer.Result{
		Kind: analyzer.KindASR,
		Ok:   true,
		ASR: analyzer.ASRPayload{
			Text:       text,
			Confidence: 1.0,
			Language:   "en",
			Segments:   []analyzer.ASRSegment{{StartS: 0, EndS: end, Text: text, Confidence: 1.0}},
		},
	}, nil
}

// Diarization returns speakers = ["S0"], matching the literal fake
// behavior used by the pipeline's end-to-end test scenarios.
type Diarization struct {
	Delay    func(ctx context.Context) error
	ForceErr error
}

func (f *Diarization) Initialize(ctx context.Context) error { return nil }
func (f *Diarization) Cleanup(ctx context.Context) error    { return nil }
func (f *Diarization) Kind() analyzer.Kind                  { return analyzer.KindDiarization }

func (f *Diarization) Process(ctx context.Context, data []byte, sampleRate int) (analyzer.Result, error) {
	if f.Delay != nil {
		if err := f.Delay(ctx); err != nil {
			return analyzer.Result{}, err
		}
	}
	if f.ForceErr != nil {
		return analyzer.Result{}, f.ForceErr
	}
	end := 0.0
	if sampleRate > 0 {
		end = float64(len(data)) / float64(sampleRate*2)
	}
	return analyzer.Result{
		Kind: analyzer.KindDiarization,
		Ok:   true,
		Diarization: analyzer.DiarizationPayload{
			Speakers: []string{"S0"},
			Segments: []analyzer.DiarizationSegment{{Speaker: "S0", StartS: 0, EndS: end}},
		},
	}, nil
}
