// Package fallbackasr implements the independent streaming recognizer used
// when the upstream model channel is not (yet, or no longer) producing
// user transcripts. The streaming recognition config — LINEAR16 16kHz
// mono, interim results, automatic punctuation — and the recognizer path
// shape are grounded on the reference pack's Google Cloud Speech-to-Text
// v2 wiring; the exponential-backoff restart loop is grounded on the
// pack's SSE/streaming retry idiom, expressed here as an explicit loop
// with a cancellation signal instead of recursive scheduling. Inbound PCM
// is absorbed by a jitter buffer so a slow or momentarily reconnecting
// stream never blocks the audio producer.
package fallbackasr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv2"
	"cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/api/option"

	"github.com/sentryhealth/voicegateway/internal/voicesession/jitter"
)

const defaultJitterBufferBytes = 65536

// ErrASR marks a non-fatal fallback ASR failure; the Coordinator disables
// the fallback path on this error and continues serving from upstream
// transcripts only.
var ErrASR = errors.New("fallback asr error")

// Config configures the streaming recognizer.
type Config struct {
	ProjectID         string
	Region            string // "global" or a specific location
	LanguageCode      string
	APIKey            string
	MaxRetries        int
	BaseRetryDelay    time.Duration
	JitterBufferBytes int
}

// Transcript is one recognition result.
type Transcript struct {
	Text      string
	IsPartial bool
}

// Recognizer runs one streaming recognition session with automatic retry.
type Recognizer struct {
	cfg    Config
	client *speech.Client
	buf    *jitter.Buffer

	mu         sync.Mutex
	started    bool
	retryCount int
	stream     speechpb.Speech_StreamingRecognizeClient
	stopCh     chan struct{}
}

// New builds a Recognizer; it does not dial until Start is called.
func New(cfg Config) *Recognizer {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseRetryDelay == 0 {
		cfg.BaseRetryDelay = 250 * time.Millisecond
	}
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}
	if cfg.Region == "" {
		cfg.Region = "global"
	}
	if cfg.JitterBufferBytes == 0 {
		cfg.JitterBufferBytes = defaultJitterBufferBytes
	}
	return &Recognizer{cfg: cfg, buf: jitter.New(cfg.JitterBufferBytes)}
}

// Start opens the stream and begins delivering transcripts to onTranscript
// until Stop is called or retries are exhausted. onError is invoked
// (non-fatally) on every retryable failure; the caller uses it to track
// stt_retry_count.
func (r *Recognizer) Start(ctx context.Context, onTranscript func(Transcript), onError func(error)) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	var opts []option.ClientOption
	if r.cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(r.cfg.APIKey))
	}
	if r.cfg.Region != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:443", r.cfg.Region)))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return fmt.Errorf("%w: client init: %v", ErrASR, err)
	}
	r.client = client

	go r.runWithRetry(ctx, onTranscript, onError)
	go r.drainBuffer()
	return nil
}

// Write enqueues a PCM chunk into the jitter buffer; a no-op if not
// started. Never blocks: under sustained backpressure the buffer drops
// its oldest frame to admit the newest.
func (r *Recognizer) Write(pcm []byte) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return nil
	}
	return r.buf.Push(pcm)
}

// drainBuffer pops buffered frames and forwards them to whichever stream
// is currently active, backing off briefly when no stream is attached
// (e.g. between retry attempts) or the buffer is momentarily empty.
func (r *Recognizer) drainBuffer() {
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		r.mu.Lock()
		stream := r.stream
		r.mu.Unlock()

		if stream == nil {
			time.Sleep(20 * time.Millisecond)
			continue
		}

		frame, ok := r.buf.Pop()
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		_ = stream.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: frame},
		})
	}
}

// Stop closes the stream and nulls callbacks.
func (r *Recognizer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.started = false
	if r.stopCh != nil {
		select {
		case <-r.stopCh:
		default:
			close(r.stopCh)
		}
	}
	if r.client != nil {
		_ = r.client.Close()
	}
}

// RetryCount reports how many times the stream has been restarted.
func (r *Recognizer) RetryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retryCount
}

func (r *Recognizer) runWithRetry(ctx context.Context, onTranscript func(Transcript), onError func(error)) {
	for attempt := 0; ; attempt++ {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := r.runOnce(ctx, onTranscript)
		if err == nil {
			return // stream ended cleanly (Stop was called)
		}

		r.mu.Lock()
		r.retryCount++
		retryCount := r.retryCount
		r.mu.Unlock()

		if onError != nil {
			onError(fmt.Errorf("%w: %v", ErrASR, err))
		}

		if retryCount > r.cfg.MaxRetries {
			return
		}

		delay := time.Duration(float64(r.cfg.BaseRetryDelay) * math.Pow(2, float64(retryCount-1)))
		select {
		case <-time.After(delay):
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Recognizer) runOnce(ctx context.Context, onTranscript func(Transcript)) error {
	stream, err := r.client.StreamingRecognize(ctx)
	if err != nil {
		return err
	}

	cfg := r.streamingConfig()
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		Recognizer:       r.recognizerPath(),
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{StreamingConfig: cfg},
	}); err != nil {
		return err
	}

	r.mu.Lock()
	r.stream = stream
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.stream = nil
		r.mu.Unlock()
	}()

	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		for _, result := range resp.GetResults() {
			if len(result.GetAlternatives()) == 0 {
				continue
			}
			text := result.GetAlternatives()[0].GetTranscript()
			onTranscript(Transcript{Text: text, IsPartial: !result.GetIsFinal()})

			r.mu.Lock()
			r.retryCount = 0
			r.mu.Unlock()
		}
	}
}

func (r *Recognizer) recognizerPath() string {
	return fmt.Sprintf("projects/%s/locations/%s/recognizers/_", r.cfg.ProjectID, r.cfg.Region)
}

func (r *Recognizer) streamingConfig() *speechpb.StreamingRecognitionConfig {
	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
				ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
					Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
					SampleRateHertz:   16000,
					AudioChannelCount: 1,
				},
			},
			Features: &speechpb.RecognitionFeatures{
				EnableAutomaticPunctuation: true,
			},
			LanguageCodes: []string{r.cfg.LanguageCode},
			Model:         "long",
		},
		StreamingFeatures: &speechpb.StreamingRecognitionFeatures{
			InterimResults: true,
		},
	}
}
