// Package enhance provides audio enhancement backends for denoise-enabled
// sessions.
//
// The remote backend connects to an external enhancement service (a denoiser
// model behind an HTTP API at POST /enhance). Audio windows are shipped as
// WAV files and the cleaned WAV comes back in the response body. Backends
// never see queueing or crossfading; the engine's pipeline owns windowing and
// treats a backend as a pure samples-in, samples-out function.
package enhance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aircast-audio/aircast/internal/config"
	"github.com/aircast-audio/aircast/pkg/audio"
)

// defaultHTTPTimeout bounds a single enhancement request at the transport
// level. The pipeline applies its own per-call deadline on top.
const defaultHTTPTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response body is quoted in errors.
const maxErrorBody = 512

// Compile-time assertion that Remote implements audio.Enhancer.
var _ audio.Enhancer = (*Remote)(nil)

// Option is a functional option for configuring a [Remote].
type Option func(*Remote)

// WithAPIKey sets a Bearer token sent in the Authorization header of every
// request. When empty, requests are sent without authentication.
func WithAPIKey(key string) Option {
	return func(r *Remote) {
		r.apiKey = key
	}
}

// WithHTTPClient overrides the HTTP client. Tests use this to point at an
// httptest server with custom transport settings.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Remote) {
		if c != nil {
			r.httpClient = c
		}
	}
}

// Remote implements [audio.Enhancer] backed by an external HTTP enhancement
// service. Safe for concurrent use; each call is an independent request.
type Remote struct {
	serverURL  string
	apiKey     string
	httpClient *http.Client
}

// NewRemote creates a Remote that sends enhancement windows to the service
// at serverURL (e.g., "http://denoiser:9000"). serverURL must be non-empty.
func NewRemote(serverURL string, opts ...Option) (*Remote, error) {
	if serverURL == "" {
		return nil, errors.New("enhance: serverURL must not be empty")
	}
	r := &Remote{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Enhance implements [audio.Enhancer]. It encodes the frame as WAV, POSTs it
// to the /enhance endpoint, and decodes the cleaned WAV from the response.
// The returned frame carries the original timestamp, sequence, and channel
// layout with the enhanced samples swapped in.
func (r *Remote) Enhance(ctx context.Context, frame audio.Frame) (audio.Frame, error) {
	wav, err := audio.EncodeWAV(frame.Samples, frame.SampleRate)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("enhance: encode request wav: %w", err)
	}

	endpoint := r.serverURL + "/enhance"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wav))
	if err != nil {
		return audio.Frame{}, fmt.Errorf("enhance: create request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("enhance: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return audio.Frame{}, fmt.Errorf("enhance: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("enhance: read response body: %w", err)
	}

	samples, rate, err := audio.DecodeWAV(body)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("enhance: decode response wav: %w", err)
	}
	if rate != frame.SampleRate {
		return audio.Frame{}, fmt.Errorf("enhance: server changed sample rate from %d to %d", frame.SampleRate, rate)
	}

	out := frame
	out.Samples = samples
	return out, nil
}

// RegisterAll wires the built-in enhancer backends into reg. The server
// calls this once at startup before creating the configured enhancer.
func RegisterAll(reg *config.Registry) {
	reg.RegisterEnhancer(config.EnhancerOff, func(_ config.EnhancerConfig) (audio.Enhancer, error) {
		return audio.PassThrough{}, nil
	})
	reg.RegisterEnhancer(config.EnhancerRemote, func(cfg config.EnhancerConfig) (audio.Enhancer, error) {
		return NewRemote(cfg.URL, WithAPIKey(cfg.APIKey))
	})
}
