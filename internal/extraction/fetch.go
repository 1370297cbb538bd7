package extraction

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
)

// Fetcher downloads documents referenced by URL
type Fetcher struct {
	Client   *http.Client
	MaxBytes int64
}

// Fetch downloads rawURL. The media type comes from the response Content-Type,
// falling back to the URL's file extension when the server sends none.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (SourceDocument, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return SourceDocument{}, newError(ErrDocumentParse, 0, fmt.Errorf("invalid document URL %q", rawURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return SourceDocument{}, newError(ErrDocumentParse, 0, fmt.Errorf("creating request: %w", err))
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return SourceDocument{}, newError(ErrDocumentParse, 0, fmt.Errorf("downloading document: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SourceDocument{}, newError(ErrDocumentParse, 0, fmt.Errorf("downloading document: status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBytes+1))
	if err != nil {
		return SourceDocument{}, newError(ErrDocumentParse, 0, fmt.Errorf("reading document: %w", err))
	}
	if int64(len(data)) > f.MaxBytes {
		return SourceDocument{}, newError(ErrDocumentParse, 0, fmt.Errorf("document exceeds %d bytes", f.MaxBytes))
	}

	mediaType := NormalizeMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = MediaTypeFromFilename(u.Path)
	}

	return SourceDocument{
		Name:      path.Base(u.Path),
		MediaType: mediaType,
		Data:      data,
	}, nil
}
