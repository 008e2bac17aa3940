package bgremover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ServiceSuffix is appended to the stem of names returned by the service.
const ServiceSuffix = "_no_bg"

// Response headers of the batch endpoint.
const (
	HeaderProcessedCount = "X-Processed-Count"
	HeaderFailedCount    = "X-Failed-Count"
	HeaderFailedItems    = "X-Failed-Items"
)

var errBusy = errors.New("server is busy, try again later")

// Server exposes background removal over HTTP. Every request runs its own
// Processor; at most ServerConfig.MaxJobs requests process images at once.
type Server struct {
	log      zerolog.Logger
	engine   Engine
	cfg      Config
	version  string
	slots    *semaphore.Weighted
	metrics  *MetricsReporter
	registry *prometheus.Registry
	prom     fasthttp.RequestHandler
	srv      *fasthttp.Server
	ctx      context.Context
}

// NewServer returns new instance of Server.
func NewServer(l zerolog.Logger, e Engine, cfg Config, version string) *Server {

	reg := prometheus.NewRegistry()
	metrics := NewMetricsReporter("bgremover")
	reg.MustRegister(metrics, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Server{
		log:      l.With().Str("component", "server").Logger(),
		engine:   e,
		cfg:      cfg,
		version:  version,
		slots:    semaphore.NewWeighted(int64(cfg.Server.MaxJobs)),
		metrics:  metrics,
		registry: reg,
		prom:     fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ctx:      context.Background(),
	}
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "bgremover",
		MaxRequestBodySize: cfg.Server.MaxBodySize,
		ReadTimeout:        time.Minute,
		WriteTimeout:       10 * time.Minute,
	}
	return s
}

// Serve accepts connections on ln until ctx is cancelled, then shuts the
// server down gracefully. Batches in progress are cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {

	s.ctx = ctx
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info().Str("listen", ln.Addr().String()).Msg("server started")
		return s.srv.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info().Msg("server shutting down")
		return s.srv.Shutdown()
	})
	return g.Wait()
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Handler returns the request router.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		t := time.Now()
		rid := uuid.NewString()
		ctx.SetUserValue("rid", rid)
		ctx.Response.Header.Set("X-Request-Id", rid)

		switch string(ctx.Path()) {
		case "/":
			s.onlyMethod(ctx, fasthttp.MethodGet, s.handleInfo)
		case "/health":
			s.onlyMethod(ctx, fasthttp.MethodGet, s.handleHealth)
		case "/metrics":
			s.onlyMethod(ctx, fasthttp.MethodGet, s.prom)
		case "/remove-background":
			s.onlyMethod(ctx, fasthttp.MethodPost, s.handleSingle)
		case "/remove-background-batch":
			s.onlyMethod(ctx, fasthttp.MethodPost, s.handleBatch)
		default:
			s.fail(ctx, fasthttp.StatusNotFound, "Not Found")
		}

		s.log.Debug().Str("rid", rid).
			Str("method", string(ctx.Method())).
			Str("path", string(ctx.Path())).
			Int("status", ctx.Response.StatusCode()).
			Str("dur", time.Since(t).String()).Msg("request served")
	}
}

func (s *Server) onlyMethod(ctx *fasthttp.RequestCtx, method string, h fasthttp.RequestHandler) {
	if string(ctx.Method()) != method {
		ctx.Response.Header.Set("Allow", method)
		s.fail(ctx, fasthttp.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	h(ctx)
}

func (s *Server) handleInfo(ctx *fasthttp.RequestCtx) {
	s.json(ctx, fasthttp.StatusOK, map[string]interface{}{
		"message": "Background Remover API",
		"version": s.version,
		"endpoints": map[string]string{
			"/remove-background":       "POST - Remove background from a single image",
			"/remove-background-batch": "POST - Remove background from multiple images",
			"/health":                  "GET - Health check",
			"/metrics":                 "GET - Prometheus metrics",
		},
	})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	s.json(ctx, fasthttp.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleSingle(ctx *fasthttp.RequestCtx) {

	form, err := ctx.MultipartForm()
	if err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return
	}
	files := form.File["file"]
	if len(files) == 0 {
		s.fail(ctx, fasthttp.StatusBadRequest, "No file provided")
		return
	}
	fh := files[0]
	if !IsSupported(fh.Filename, s.cfg.Extensions) {
		s.fail(ctx, fasthttp.StatusBadRequest, "Only PNG, JPG, and JPEG files are supported")
		return
	}

	src := NewMemorySource()
	if err := addUploads(src, files[:1]); err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	release, err := s.acquire()
	if err != nil {
		s.fail(ctx, fasthttp.StatusServiceUnavailable, err.Error())
		return
	}
	defer release()

	p := NewProcessor(s.requestLog(ctx), s.engine, Options{
		Concurrency: 1,
		Namer:       SuffixName(ServiceSuffix),
		Reporter:    s.metrics,
		MaxPixels:   s.cfg.MaxPixels,
	})
	results, err := p.Run(s.ctx, src)
	if err != nil {
		s.fail(ctx, fasthttp.StatusInternalServerError, "Error processing image: "+err.Error())
		return
	}

	var res ItemResult
	n := 0
	for r := range results {
		res = r
		n++
	}
	switch {
	case n == 0:
		s.fail(ctx, fasthttp.StatusServiceUnavailable, "Processing cancelled")
	case !res.OK():
		s.fail(ctx, fasthttp.StatusInternalServerError, "Error processing image: "+res.Err.Message)
	default:
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType(res.Format.ContentType())
		ctx.Response.Header.Set("Content-Disposition", "attachment; filename="+res.Name)
		ctx.SetBody(res.Data)
	}
}

// batchSummary is the JSON form of Summary returned by the batch endpoint.
type batchSummary struct {
	Detail    string            `json:"detail,omitempty"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Failures  []ErrorDescriptor `json:"failures"`
}

func (s *Server) handleBatch(ctx *fasthttp.RequestCtx) {

	form, err := ctx.MultipartForm()
	if err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		s.fail(ctx, fasthttp.StatusBadRequest, ErrNoFiles.Error())
		return
	}
	for _, fh := range files {
		if !IsSupported(fh.Filename, s.cfg.Extensions) {
			s.fail(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("File %s is not a supported image format", fh.Filename))
			return
		}
	}

	src := NewMemorySource()
	if err := addUploads(src, files); err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	release, err := s.acquire()
	if err != nil {
		s.fail(ctx, fasthttp.StatusServiceUnavailable, err.Error())
		return
	}
	defer release()

	var buf bytes.Buffer
	sink := NewArchiveSink(&buf)
	p := NewProcessor(s.requestLog(ctx), s.engine, Options{
		Concurrency: s.cfg.Workers,
		Namer:       SuffixName(ServiceSuffix),
		Ordered:     true,
		Reporter:    s.metrics,
		MaxPixels:   s.cfg.MaxPixels,
	})

	sum, err := p.Process(s.ctx, src, sink)
	if err != nil {
		code := fasthttp.StatusInternalServerError
		if errors.Is(err, context.Canceled) {
			code = fasthttp.StatusServiceUnavailable
		}
		s.fail(ctx, code, "Error processing images: "+err.Error())
		return
	}

	failures := sum.Failures
	if failures == nil {
		failures = []ErrorDescriptor{}
	}
	if sum.Succeeded == 0 {
		s.json(ctx, fasthttp.StatusInternalServerError, batchSummary{
			Detail:    "Error processing images: no image could be processed",
			Total:     sum.Total,
			Succeeded: sum.Succeeded,
			Failed:    sum.Failed,
			Failures:  failures,
		})
		return
	}

	items, err := json.Marshal(failures)
	if err != nil {
		s.fail(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	ctx.Response.Header.Set(HeaderProcessedCount, strconv.Itoa(sum.Succeeded))
	ctx.Response.Header.Set(HeaderFailedCount, strconv.Itoa(sum.Failed))
	ctx.Response.Header.Set(HeaderFailedItems, string(items))
	ctx.Response.Header.Set("Content-Disposition", "attachment; filename="+DefaultArchiveName)
	ctx.SetContentType("application/zip")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(buf.Bytes())
}

// acquire waits for a processing slot at most ServerConfig.QueueSeconds.
func (s *Server) acquire() (func(), error) {
	release := func() { s.slots.Release(1) }
	if s.slots.TryAcquire(1) {
		return release, nil
	}

	wait := time.Duration(s.cfg.Server.QueueSeconds) * time.Second
	actx, cancel := context.WithTimeout(s.ctx, wait)
	defer cancel()
	if err := s.slots.Acquire(actx, 1); err != nil {
		return nil, errBusy
	}
	return release, nil
}

func (s *Server) requestLog(ctx *fasthttp.RequestCtx) zerolog.Logger {
	rid, _ := ctx.UserValue("rid").(string)
	return s.log.With().Str("rid", rid).Logger()
}

func (s *Server) json(ctx *fasthttp.RequestCtx, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Str("errmsg", err.Error()).Msg("response encoding failed")
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(b)
}

func (s *Server) fail(ctx *fasthttp.RequestCtx, code int, detail string) {
	if code >= fasthttp.StatusInternalServerError {
		l := s.requestLog(ctx)
		l.Error().Int("status", code).Str("errmsg", detail).Msg("request failed")
	}
	s.json(ctx, code, map[string]string{"detail": detail})
}

func addUploads(src *MemorySource, files []*multipart.FileHeader) error {
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return fmt.Errorf("file %s: %w", fh.Filename, err)
		}
		b, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("file %s: %w", fh.Filename, err)
		}
		src.Add(fh.Filename, b)
	}
	return nil
}
