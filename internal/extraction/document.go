package extraction

import (
	"image"
	"path/filepath"
	"strings"
)

// Kind is the closed set of document shapes the pipeline knows how to handle
type Kind int

const (
	KindUnknown Kind = iota
	KindSingleImage
	KindPaginatedDocument
)

func (k Kind) String() string {
	switch k {
	case KindSingleImage:
		return "single-image"
	case KindPaginatedDocument:
		return "paginated-document"
	default:
		return "unknown"
	}
}

var singleImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/jpg":  {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
	"image/heic": {},
	"image/heif": {},
}

// Paginated types are recognized as documents even when no rasterizer can render them,
// so they fail with a clear unsupported-format error instead of an image decode error.
var paginatedTypes = map[string]struct{}{
	"application/pdf":                {},
	"application/x-pdf":              {},
	"application/vnd.ms-xpsdocument": {},
	"application/oxps":               {},
	"application/epub+zip":           {},
	"image/tiff":                     {},
}

// NormalizeMediaType lowercases a media type and drops any parameters
func NormalizeMediaType(mediaType string) string {
	mediaType, _, _ = strings.Cut(mediaType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// KindFromMediaType classifies a declared media type. The content itself is never sniffed.
func KindFromMediaType(mediaType string) Kind {
	mediaType = NormalizeMediaType(mediaType)
	if _, ok := singleImageTypes[mediaType]; ok {
		return KindSingleImage
	}
	if _, ok := paginatedTypes[mediaType]; ok {
		return KindPaginatedDocument
	}
	return KindUnknown
}

// MediaTypeFromFilename guesses a media type from a file extension, for uploads and
// downloads that arrive without a usable Content-Type
func MediaTypeFromFilename(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".pdf":
		return "application/pdf"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".xps":
		return "application/vnd.ms-xpsdocument"
	case ".epub":
		return "application/epub+zip"
	default:
		return "application/octet-stream"
	}
}

// SourceDocument is one user-supplied input to the pipeline
type SourceDocument struct {
	Name      string
	MediaType string
	Data      []byte
}

// Kind returns the document kind derived from the declared media type
func (d SourceDocument) Kind() Kind {
	return KindFromMediaType(d.MediaType)
}

// PageImage is one rasterized page of a paginated document. Index is 1-based.
type PageImage struct {
	Image  image.Image
	Width  int
	Height int
	Index  int
	Total  int
}

// Image is an encoded image handed to a Recognizer
type Image struct {
	Data      []byte
	MediaType string
}

// RecognitionResult is the output of recognizing one image. Empty text is a valid result.
type RecognitionResult struct {
	Text       string
	Confidence float32 // 0..1, zero when the engine did not report one
}
