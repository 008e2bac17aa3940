package bgremover

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// URLListSource implements interface Source and provides images referenced by
// urls from a plain text file, one url per line. Images are downloaded when
// Processor decodes the item, so at most Concurrency downloads run at once.
type URLListSource struct {
	log    zerolog.Logger
	fname  string
	exts   []string
	client *fasthttp.Client
}

// NewURLListSource returns new instance of URLListSource, with default read
// timeout and MaxConnsPerHost (32) parameters.
func NewURLListSource(l zerolog.Logger, fname string, exts []string) *URLListSource {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	return &URLListSource{
		log:   l.With().Str("component", "urlsource").Logger(),
		fname: fname,
		exts:  exts,
		client: &fasthttp.Client{ReadTimeout: DefaultReadTimeout,
			MaxConnsPerHost:     DefaultMaxConnsPerHost,
			ReadBufferSize:      64 * 1024,
			MaxResponseBodySize: maxBodySize},
	}
}

// SetMaxConnsPerHost set maximum parallel http connections to the host.
func (us *URLListSource) SetMaxConnsPerHost(n int) {
	us.client.MaxConnsPerHost = n
}

// SetReadTimeout set maximum duration for full response reading (including body).
func (us *URLListSource) SetReadTimeout(d time.Duration) {
	us.client.ReadTimeout = d
}

// Enumerate implements interface Source. Item name is the last segment of the
// url path.
func (us *URLListSource) Enumerate(ctx context.Context) ([]WorkItem, error) {

	file, err := os.Open(us.fname)
	if err != nil {
		return nil, err
	}
	defer file.Close() // readonly, close error can be ignored.

	var items []WorkItem
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := strings.TrimSpace(scanner.Text())
		if len(s) < 8 {
			// ignore url's with length less then "http://1".
			continue
		}
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			us.log.Warn().Str("url", s).Msg("skipped, invalid url")
			continue
		}
		name := path.Base(u.Path)
		if !IsSupported(name, us.exts) {
			us.log.Debug().Str("url", s).Msg("skipped, unsupported extension")
			continue
		}
		items = append(items, NewLazyWorkItem(name, func(ctx context.Context) ([]byte, error) {
			return us.Download(ctx, s)
		}))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// Download retrieves image by URL.
func (us *URLListSource) Download(ctx context.Context, url string) ([]byte, error) {

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)

	t := time.Now()
	if err := do(ctx, us.client, req, resp); err != nil {
		return nil, err
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return nil, fmt.Errorf("http code %d", code)
	}
	if len(resp.Body()) == 0 {
		return nil, ErrEmptyPayload
	}

	// body belongs to the pooled response.
	b := append([]byte(nil), resp.Body()...)
	us.log.Debug().Str("url", url).Int("size", len(b)).Str("dur", time.Since(t).String()).Msg("downloaded")
	return b, nil
}
