// Package extraction turns a bill image or paginated document into recognized
// text and parsed fields, reporting progress along the way.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Sreethamgoud/billbox-customer-compass/internal/fields"
)

const (
	defaultRasterizeTimeout = 2 * time.Minute
	defaultFetchLimit       = 20 << 20
)

// Recognizer extracts text from one image. onProgress receives non-decreasing
// fractions in [0,1].
type Recognizer interface {
	Recognize(ctx context.Context, img Image, onProgress func(float64)) (RecognitionResult, error)
}

// SharedRecognizer is a Recognizer whose engine is shared between runs. The
// extractor acquires the engine before starting a page's recognition deadline, so
// time spent queued behind another run does not count against the page.
type SharedRecognizer interface {
	Recognizer
	Acquire(ctx context.Context) (release func(), err error)
	RecognizeAcquired(ctx context.Context, img Image, onProgress func(float64)) (RecognitionResult, error)
}

// Config tunes an Extractor. Zero values pick sensible defaults.
type Config struct {
	RasterizeTimeout time.Duration // whole document
	RecognizeTimeout time.Duration // per page or image
	FetchLimit       int64         // maximum download size for ExtractURL
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

// Result is the outcome of one successful run
type Result struct {
	RunID      string        `json:"runId"`
	Text       string        `json:"text"`
	Fields     fields.Fields `json:"fields"`
	Pages      int           `json:"pages"`
	Confidence float32       `json:"confidence,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Extractor runs the rasterize, recognize and parse stages for one document at a time
type Extractor struct {
	rasterizer Rasterizer
	recognizer Recognizer
	fetcher    *Fetcher
	cfg        Config
	logger     *slog.Logger
}

// New creates an Extractor. rasterizer may be nil, in which case every paginated
// document is rejected as unsupported.
func New(rasterizer Rasterizer, recognizer Recognizer, cfg Config) *Extractor {
	if cfg.RasterizeTimeout <= 0 {
		cfg.RasterizeTimeout = defaultRasterizeTimeout
	}
	if cfg.RecognizeTimeout <= 0 {
		cfg.RecognizeTimeout = defaultRecognizeLimit
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = defaultFetchLimit
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		rasterizer: rasterizer,
		recognizer: recognizer,
		fetcher:    &Fetcher{Client: cfg.HTTPClient, MaxBytes: cfg.FetchLimit},
		cfg:        cfg,
		logger:     logger,
	}
}

// ExtractURL downloads a document and extracts it
func (e *Extractor) ExtractURL(ctx context.Context, rawURL string, onProgress ProgressFunc) (*Result, error) {
	doc, err := e.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return e.Extract(ctx, doc, onProgress)
}

// Extract runs the pipeline over doc. Every returned error is an *Error whose kind
// is one of ErrUnsupportedFormat, ErrDocumentParse, ErrPageRender or ErrRecognition.
// onProgress is never called after Extract returns.
func (e *Extractor) Extract(ctx context.Context, doc SourceDocument, onProgress ProgressFunc) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := e.logger.With("run_id", runID, "name", doc.Name, "media_type", doc.MediaType)
	ctx = withLogger(ctx, log)

	tr := newTracker(onProgress)
	defer tr.close()

	kind := doc.Kind()
	if err := e.checkSupported(doc, kind); err != nil {
		log.Info("rejected document", "error", err)
		return nil, err
	}

	var (
		texts      []string
		confidence float32
		err        error
	)
	switch kind {
	case KindSingleImage:
		texts, confidence, err = e.extractImage(ctx, doc, tr)
	case KindPaginatedDocument:
		texts, confidence, err = e.extractPages(ctx, doc, tr)
	}
	if err != nil {
		log.Error("extraction failed", "error", err)
		return nil, err
	}

	last := tr.snapshot()
	tr.report(Progress{Percent: 100, Stage: StageParsing, CurrentPage: last.CurrentPage, TotalPages: last.TotalPages})
	combined := fields.CombinePages(texts)
	parsed := fields.Parse(combined)
	tr.report(Progress{Percent: 100, Stage: StageDone, CurrentPage: last.CurrentPage, TotalPages: last.TotalPages})

	result := &Result{
		RunID:      runID,
		Text:       combined,
		Fields:     parsed,
		Pages:      len(texts),
		Confidence: confidence,
		Duration:   time.Since(start),
	}
	log.Info("extracted document",
		"kind", kind,
		"pages", result.Pages,
		"duration", result.Duration,
		"merchant_found", parsed.HasMerchant(),
		"amount_found", parsed.HasAmount(),
		"date_found", parsed.HasDate())
	return result, nil
}

func (e *Extractor) checkSupported(doc SourceDocument, kind Kind) error {
	switch kind {
	case KindSingleImage:
		return nil
	case KindPaginatedDocument:
		if e.rasterizer == nil || !e.rasterizer.Supports(doc.MediaType) {
			return newError(ErrUnsupportedFormat, 0, fmt.Errorf("no renderer for %q", doc.MediaType))
		}
		return nil
	default:
		return newError(ErrUnsupportedFormat, 0, fmt.Errorf("media type %q", doc.MediaType))
	}
}

func (e *Extractor) extractImage(ctx context.Context, doc SourceDocument, tr *tracker) ([]string, float32, error) {
	tr.report(Progress{Percent: 0, Stage: StageRecognizing, CurrentPage: 1, TotalPages: 1})

	img := Image{Data: doc.Data, MediaType: NormalizeMediaType(doc.MediaType)}
	res, err := e.recognize(ctx, img, 1, 1, imageWindow, tr)
	if err != nil {
		return nil, 0, err
	}
	return []string{res.Text}, res.Confidence, nil
}

func (e *Extractor) extractPages(ctx context.Context, doc SourceDocument, tr *tracker) ([]string, float32, error) {
	tr.report(Progress{Percent: 0, Stage: StageRasterizing})

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RasterizeTimeout)
	pages, err := e.rasterizer.Rasterize(rctx, doc, func(p PageProgress) {
		tr.report(Progress{
			Percent:     rasterWindow.at(float64(p.Percent) / 100),
			Stage:       StageRasterizing,
			CurrentPage: p.CurrentPage,
			TotalPages:  p.TotalPages,
		})
	})
	cancel()
	if err != nil {
		return nil, 0, classify(err, ErrDocumentParse, 0)
	}
	if len(pages) == 0 {
		return nil, 0, newError(ErrDocumentParse, 0, errors.New("document has no pages"))
	}
	for i, p := range pages {
		if p.Index != i+1 || p.Image == nil {
			return nil, 0, newError(ErrPageRender, i+1, fmt.Errorf("renderer returned page %d out of order", p.Index))
		}
	}

	total := len(pages)
	texts := make([]string, 0, total)
	var confSum float32
	for _, page := range pages {
		pngData, err := encodePNG(page.Image)
		if err != nil {
			return nil, 0, newError(ErrPageRender, page.Index, err)
		}

		w := pageWindow(page.Index, total)
		tr.report(Progress{Percent: w.at(0), Stage: StageRecognizing, CurrentPage: page.Index, TotalPages: total})
		res, err := e.recognize(ctx, Image{Data: pngData, MediaType: "image/png"}, page.Index, total, w, tr)
		if err != nil {
			return nil, 0, err
		}
		texts = append(texts, res.Text)
		confSum += res.Confidence
	}
	return texts, confSum / float32(total), nil
}

func (e *Extractor) recognize(ctx context.Context, img Image, page, total int, w window, tr *tracker) (RecognitionResult, error) {
	if err := ctx.Err(); err != nil {
		return RecognitionResult{}, newError(ErrRecognition, page, err)
	}

	ctx = withLogger(ctx, loggerFrom(ctx).With("page", page))

	run := e.recognizer.Recognize
	if shared, ok := e.recognizer.(SharedRecognizer); ok {
		release, err := shared.Acquire(ctx)
		if err != nil {
			return RecognitionResult{}, classify(err, ErrRecognition, page)
		}
		defer release()
		run = shared.RecognizeAcquired
	}

	pctx, cancel := context.WithTimeout(ctx, e.cfg.RecognizeTimeout)
	defer cancel()

	res, err := run(pctx, img, func(f float64) {
		tr.report(Progress{Percent: w.at(f), Stage: StageRecognizing, CurrentPage: page, TotalPages: total})
	})
	if err != nil {
		return RecognitionResult{}, classify(err, ErrRecognition, page)
	}
	return res, nil
}

// classify keeps the kind of an existing *Error and fills in the page when missing;
// anything else becomes an *Error of fallback kind
func classify(err error, fallback error, page int) error {
	var perr *Error
	if errors.As(err, &perr) {
		if perr.Page == 0 && page > 0 {
			return newError(perr.Kind, page, perr.Err)
		}
		return perr
	}
	return newError(fallback, page, err)
}
