package extraction

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// DefaultScale renders pages at twice their nominal size, which is about what
// recognition engines need for small receipt print
const DefaultScale = 2.0

// PageProgress is emitted once per rendered page
type PageProgress struct {
	CurrentPage int
	TotalPages  int
	Percent     int
}

// Rasterizer turns a paginated document into one image per page, in page order
type Rasterizer interface {
	Supports(mediaType string) bool
	Rasterize(ctx context.Context, doc SourceDocument, onPage func(PageProgress)) ([]PageImage, error)
}

// FitzRasterizer renders documents with MuPDF
type FitzRasterizer struct {
	// Scale multiplies the 72 DPI base resolution. Values below DefaultScale are raised to it.
	Scale float64
	// MaxPages rejects longer documents when positive
	MaxPages int

	open func(data []byte) (pageSource, error)
}

// pageSource is the part of a MuPDF document the rasterizer uses
type pageSource interface {
	NumPage() int
	ImageDPI(page int, dpi float64) (*image.RGBA, error)
	Close() error
}

func openFitz(data []byte) (pageSource, error) {
	return fitz.NewFromMemory(data)
}

var fitzTypes = map[string]struct{}{
	"application/pdf":                {},
	"application/x-pdf":              {},
	"application/vnd.ms-xpsdocument": {},
	"application/oxps":               {},
	"application/epub+zip":           {},
	"image/tiff":                     {},
}

var disableConfigDir sync.Once

// Supports reports whether MuPDF can open the media type
func (r *FitzRasterizer) Supports(mediaType string) bool {
	_, ok := fitzTypes[NormalizeMediaType(mediaType)]
	return ok
}

// renderEvent carries one rendered page, or the error that ended rendering
type renderEvent struct {
	page PageImage
	err  error
}

// Rasterize renders every page. A document that cannot be opened fails with
// ErrDocumentParse, a page that cannot be rendered fails with ErrPageRender.
// MuPDF calls cannot be interrupted, so they run on a worker goroutine and
// Rasterize returns as soon as ctx is done; the worker closes the document when
// its current call finishes.
func (r *FitzRasterizer) Rasterize(ctx context.Context, doc SourceDocument, onPage func(PageProgress)) ([]PageImage, error) {
	var preflightErr error
	mediaType := NormalizeMediaType(doc.MediaType)
	if mediaType == "application/pdf" || mediaType == "application/x-pdf" {
		n, err := r.preflightPDF(doc)
		if err == nil && r.MaxPages > 0 && n > r.MaxPages {
			return nil, newError(ErrDocumentParse, 0, fmt.Errorf("document has %d pages, limit is %d", n, r.MaxPages))
		}
		preflightErr = err
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan renderEvent)
	go r.render(wctx, doc.Data, preflightErr, events)

	var pages []PageImage
	for {
		select {
		case <-ctx.Done():
			return nil, newError(ErrDocumentParse, 0, fmt.Errorf("rasterizing interrupted: %w", ctx.Err()))
		case ev, ok := <-events:
			if !ok {
				slog.Debug("rasterized document", "name", doc.Name, "pages", len(pages))
				return pages, nil
			}
			if ev.err != nil {
				return nil, ev.err
			}
			pages = append(pages, ev.page)
			if onPage != nil {
				total := ev.page.Total
				onPage(PageProgress{
					CurrentPage: ev.page.Index,
					TotalPages:  total,
					Percent:     (100*ev.page.Index + total/2) / total,
				})
			}
		}
	}
}

// render opens the document and sends each page in order, closing events when done.
// It stops early once ctx is done.
func (r *FitzRasterizer) render(ctx context.Context, data []byte, preflightErr error, events chan<- renderEvent) {
	defer close(events)
	send := func(ev renderEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) { send(renderEvent{err: err}) }

	open := r.open
	if open == nil {
		open = openFitz
	}
	fdoc, err := open(data)
	if err != nil {
		if preflightErr != nil {
			err = fmt.Errorf("%w (pdfcpu: %v)", err, preflightErr)
		}
		fail(newError(ErrDocumentParse, 0, fmt.Errorf("opening document: %w", err)))
		return
	}
	defer fdoc.Close()

	total := fdoc.NumPage()
	if total <= 0 {
		fail(newError(ErrDocumentParse, 0, fmt.Errorf("document has no pages")))
		return
	}
	if r.MaxPages > 0 && total > r.MaxPages {
		fail(newError(ErrDocumentParse, 0, fmt.Errorf("document has %d pages, limit is %d", total, r.MaxPages)))
		return
	}

	dpi := 72 * max(r.Scale, DefaultScale)
	for i := 0; i < total; i++ {
		if ctx.Err() != nil {
			return
		}
		img, err := fdoc.ImageDPI(i, dpi)
		if err != nil {
			fail(newError(ErrPageRender, i+1, err))
			return
		}
		bounds := img.Bounds()
		page := PageImage{Image: img, Width: bounds.Dx(), Height: bounds.Dy(), Index: i + 1, Total: total}
		if !send(renderEvent{page: page}) {
			return
		}
	}
}

// preflightPDF counts pages with pdfcpu. A count lets MaxPages reject a document
// before MuPDF touches it; an error is kept to explain a later MuPDF failure, since
// MuPDF opens many files pdfcpu rejects.
func (r *FitzRasterizer) preflightPDF(doc SourceDocument) (int, error) {
	disableConfigDir.Do(api.DisableConfigDir)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(doc.Data), conf)
	if err != nil {
		slog.Warn("PDF preflight failed", "name", doc.Name, "error", err)
		return 0, err
	}
	slog.Debug("PDF preflight", "name", doc.Name, "pages", n)
	return n, nil
}
