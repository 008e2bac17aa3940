package bgremover

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

const (
	// DefaultMaxConnsPerHost defines default value of maximum parallel http connections
	// to the host. To prevent DDoS.
	DefaultMaxConnsPerHost = 32

	// DefaultReadTimeout defines maximum duration for full response reading (including body).
	DefaultReadTimeout = 8 * time.Second

	// DefaultRemoteTimeout bounds one remote transform, including upload and model time.
	DefaultRemoteTimeout = 2 * time.Minute

	maxBodySize = 64 * 1024 * 1024
)

// RemoteEngine implements interface Engine by posting PNG encoded images to
// a remote background removal service, e.g. a rembg server. Uses fasthttp.Client
// to reduce garbage generation.
type RemoteEngine struct {
	log    zerolog.Logger
	url    string
	client *fasthttp.Client
}

// NewRemoteEngine returns new instance of RemoteEngine posting to url.
func NewRemoteEngine(l zerolog.Logger, url string) *RemoteEngine {
	return &RemoteEngine{
		log: l.With().Str("component", "remote-engine").Logger(),
		url: url,
		client: &fasthttp.Client{ReadTimeout: DefaultRemoteTimeout,
			MaxConnsPerHost:     DefaultMaxConnsPerHost,
			MaxResponseBodySize: maxBodySize},
	}
}

// SetMaxConnsPerHost set maximum parallel http connections to the host.
func (re *RemoteEngine) SetMaxConnsPerHost(n int) {
	re.client.MaxConnsPerHost = n
}

// SetReadTimeout set maximum duration for full response reading (including body).
func (re *RemoteEngine) SetReadTimeout(d time.Duration) {
	re.client.ReadTimeout = d
}

// Transform implements interface Engine.
func (re *RemoteEngine) Transform(ctx context.Context, img image.Image) (image.Image, error) {

	body, err := Encode(img, FormatPNG)
	if err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(re.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(FormatPNG.ContentType())
	req.SetBody(body)

	t := time.Now()
	if err := do(ctx, re.client, req, resp); err != nil {
		return nil, err
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return nil, fmt.Errorf("remote engine: http code %d", code)
	}

	out, _, err := Decode(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("remote engine response: %w", err)
	}
	re.log.Debug().Str("url", re.url).Int("size", len(body)).Str("dur", time.Since(t).String()).Msg("transformed")
	return out, nil
}

// do executes req, waiting for a free connection while the client reports
// fasthttp.ErrNoFreeConns.
func do(ctx context.Context, c *fasthttp.Client, req *fasthttp.Request, resp *fasthttp.Response) error {

	err := c.Do(req, resp)
	if err != fasthttp.ErrNoFreeConns {
		return err
	}

	// can be replaced with dymanically calculated delay in accordance
	// to average ratio (image size/download duration) for every host.
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err = c.Do(req, resp); err != fasthttp.ErrNoFreeConns {
				return err
			}
		}
	}
}
