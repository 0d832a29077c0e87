package recorder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Rendition is one quality variant offered by the streaming source.
type Rendition struct {
	Quality string // e.g. "1080p60", "720p", "audio_only"
	URL     string
}

// AuthOptions carries the credentials the capture loop presents to the
// streaming source (spec §4.4 step 1): a cookie if the operator supplied
// one, otherwise a request for ad-free mode.
type AuthOptions struct {
	Cookie     string
	AdFreeMode bool
}

// StreamSource is the opaque media-extraction boundary (spec §1 "the
// upstream media-extraction library used by the recorder" — explicitly
// out of scope as an implementation, modeled here as a pluggable
// interface). httpSource below is a generic HTTP-manifest-based default;
// operators wire in whatever extractor their platform needs.
type StreamSource interface {
	// EnumerateRenditions lists the qualities currently on offer.
	EnumerateRenditions(ctx context.Context, channelLogin string, auth AuthOptions) ([]Rendition, error)
	// Open begins reading the given rendition.
	Open(ctx context.Context, r Rendition, auth AuthOptions) (io.ReadCloser, error)
}

// httpSource is a minimal StreamSource that treats a rendition URL as a
// directly fetchable HTTP resource — the simplest faithful rendering of
// "opaque streaming source" without depending on a real extractor
// library that has no place in this pack.
type httpSource struct {
	client *http.Client
	// manifestFunc resolves a channel login to its available renditions.
	// Left as a function field so callers can plug in whatever upstream
	// manifest format their platform uses without the recorder package
	// depending on it.
	manifestFunc func(ctx context.Context, channelLogin string, auth AuthOptions) ([]Rendition, error)
	// readBuffer is the session read-buffer size the open stream is
	// wrapped in (spec §4.4 step 1, default 32 MiB).
	readBuffer int
}

// NewHTTPSource builds a StreamSource around a caller-supplied manifest
// resolver and the spec's stream-open timeout / auth handling.
// readBuffer is the stream read-buffer size in bytes; <=0 uses the
// 32 MiB default.
func NewHTTPSource(manifestFunc func(ctx context.Context, channelLogin string, auth AuthOptions) ([]Rendition, error), readBuffer int) StreamSource {
	if readBuffer <= 0 {
		readBuffer = readBufferBytes
	}
	// The timeout bounds waiting for the response headers only, not the
	// body: a live stream is read for as long as the broadcast lasts.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = streamOpenTimeout
	return &httpSource{
		client:       &http.Client{Transport: transport},
		manifestFunc: manifestFunc,
		readBuffer:   readBuffer,
	}
}

func (h *httpSource) EnumerateRenditions(ctx context.Context, channelLogin string, auth AuthOptions) ([]Rendition, error) {
	if h.manifestFunc == nil {
		return nil, fmt.Errorf("recorder: no manifest resolver configured")
	}
	return h.manifestFunc(ctx, channelLogin, auth)
}

func (h *httpSource) Open(ctx context.Context, r Rendition, auth AuthOptions) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, err
	}
	if auth.Cookie != "" {
		req.Header.Set("Cookie", auth.Cookie)
	} else if auth.AdFreeMode {
		req.Header.Set("X-Ad-Free", "1")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream: status %d", resp.StatusCode)
	}
	return &bufferedBody{
		Reader: bufio.NewReaderSize(resp.Body, h.readBuffer),
		body:   resp.Body,
	}, nil
}

// bufferedBody reads through the session read-buffer while closing the
// underlying response body.
type bufferedBody struct {
	*bufio.Reader
	body io.Closer
}

func (b *bufferedBody) Close() error { return b.body.Close() }

// pickRendition selects the operator-preferred quality if offered, else
// the first (assumed best-to-worst ordered, per convention) rendition
// (spec §4.4 step 2).
func pickRendition(renditions []Rendition, preferred string) (Rendition, bool) {
	if len(renditions) == 0 {
		return Rendition{}, false
	}
	if preferred != "" {
		for _, r := range renditions {
			if r.Quality == preferred {
				return r, true
			}
		}
	}
	return renditions[0], true
}

const (
	streamOpenTimeout = 60 * time.Second
	readBufferBytes   = 32 * 1024 * 1024
	readChunkBytes    = 1024 * 1024
)
