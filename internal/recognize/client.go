package recognize

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/discord-sound-trigger/internal/logging"
)

// SampleRate is the PCM rate the recognition backend expects.
const SampleRate = 16000

// response mirrors the backend's JSON shape. The backend may answer with a
// single object or a newline-delimited stream of objects; an object with no
// result entries means no recognized text for that segment.
type response struct {
	Result []struct {
		Alternative []struct {
			Transcript string `json:"transcript"`
		} `json:"alternative"`
	} `json:"result"`
}

// Client streams PCM audio to the speech recognition backend and yields
// recognized text fragments.
type Client struct {
	BaseURL         string
	APIKey          string
	ProfanityFilter bool
	HTTPClient      *http.Client
}

// New creates a recognition client. The returned client disables the
// backend's profanity filter, matching the trigger matcher's expectation of
// unfiltered transcripts.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		// No overall timeout: the call lives as long as the speaker's audio
		// stream, and cancellation comes from the session context.
		HTTPClient: &http.Client{},
	}
}

// Stream opens one streaming recognition call for a single speech segment.
// The returned WriteCloser accepts raw 16 kHz mono 16-bit little-endian PCM;
// closing it signals end of audio. Fragments arrive in order on the returned
// channel, which is closed when the backend closes its side or the transport
// fails. Transport failures are swallowed: by the time they surface the
// underlying audio has typically already ended, so they are logged and
// treated as end of fragments.
func (c *Client) Stream(ctx context.Context, lang string) (io.WriteCloser, <-chan string, error) {
	reqURL, err := c.buildURL(lang)
	if err != nil {
		return nil, nil, err
	}

	pr, pw := io.Pipe()
	frags := make(chan string)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, pr)
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "audio/l16; rate=16000")

	go func() {
		defer close(frags)
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			logging.Debugw("recognize: request failed", "err", err)
			pr.CloseWithError(err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			logging.Warnw("recognize: backend returned non-2xx", "status", resp.StatusCode)
			pr.CloseWithError(io.ErrClosedPipe)
			return
		}
		c.readFragments(ctx, resp.Body, frags)
	}()

	return pw, frags, nil
}

// readFragments decodes the response body and emits the first alternative
// transcript of each recognized segment. A json.Decoder loop handles both a
// single JSON object and a newline-delimited stream of objects.
func (c *Client) readFragments(ctx context.Context, body io.Reader, frags chan<- string) {
	dec := json.NewDecoder(body)
	for {
		var out response
		if err := dec.Decode(&out); err != nil {
			if err != io.EOF {
				logging.Debugw("recognize: response decode ended", "err", err)
			}
			return
		}
		for _, r := range out.Result {
			if len(r.Alternative) == 0 {
				continue
			}
			text := strings.TrimSpace(r.Alternative[0].Transcript)
			if text == "" {
				continue
			}
			select {
			case frags <- text:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) buildURL(lang string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("output", "json")
	q.Set("lang", lang)
	q.Set("key", c.APIKey)
	if c.ProfanityFilter {
		q.Set("pFilter", "1")
	} else {
		q.Set("pFilter", "0")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
