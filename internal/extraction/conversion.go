package extraction

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/heic"
	_ "golang.org/x/image/webp" // Register WEBP decoder
)

// toPNG decodes a single image and re-encodes it as PNG for the recognition engine.
// PNG input is passed through untouched.
func toPNG(data []byte, mediaType string) ([]byte, error) {
	mediaType = NormalizeMediaType(mediaType)
	if mediaType == "image/png" && !isHEICFormat(data) {
		return data, nil
	}

	img, err := decodeImage(data, mediaType)
	if err != nil {
		return nil, err
	}
	return encodePNG(img)
}

func decodeImage(data []byte, mediaType string) (image.Image, error) {
	// Go's standard image package has no HEIC support; iPhones produce it by default
	if isHEICFormat(data) || isHEICMimeType(mediaType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if err == image.ErrFormat {
			return nil, fmt.Errorf("unrecognized image data for %q: %w", mediaType, err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat looks for an ftyp box with a HEIC-family brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mediaType string) bool {
	return strings.Contains(mediaType, "heic") || strings.Contains(mediaType, "heif")
}
