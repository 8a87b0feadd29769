package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"net/http"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	"golang.org/x/image/draw"

	"github.com/zombor/ticket-desk/internal/apperror"
)

// DefaultMaxDimension bounds the longest side of a photo before preprocessing
const DefaultMaxDimension = 2000

// NormalizeContentType lowercases the MIME type and sniffs it from the data when absent
func NormalizeContentType(data []byte, contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		if isHEICFormat(data) {
			return "image/heic"
		}
		mimeType = http.DetectContentType(data)
		if i := strings.Index(mimeType, ";"); i >= 0 {
			mimeType = mimeType[:i]
		}
	}
	return mimeType
}

// ValidateContentType accepts image types and PDF receipts exported by banking apps
func ValidateContentType(mimeType string) error {
	if strings.HasPrefix(mimeType, "image/") || mimeType == "application/pdf" {
		return nil
	}
	return apperror.NewValidationError("file", fmt.Sprintf("unsupported file type %q, an image is required", mimeType))
}

// Decode turns a captured receipt into an image. PDFs render their first page.
func Decode(data []byte, contentType string) (image.Image, error) {
	mimeType := NormalizeContentType(data, contentType)
	if err := ValidateContentType(mimeType); err != nil {
		return nil, err
	}

	if mimeType == "application/pdf" {
		return pdfToImage(data)
	}

	// Go's standard image package doesn't support HEIC, the default iPhone format
	if isHEICFormat(data) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, apperror.NewValidationError("file", "unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF")
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// pdfToImage renders the first page of a PDF
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Transfer receipts are single page
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// Downscale shrinks an image so that its longest side is at most maxDim,
// keeping the aspect ratio. Smaller images are returned unchanged.
func Downscale(img image.Image, maxDim int) image.Image {
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxDim && height <= maxDim {
		return img
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxDim
		newHeight = max(1, height*maxDim/width)
	} else {
		newHeight = maxDim
		newWidth = max(1, width*maxDim/height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// EncodePNG encodes an image as PNG
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-related brand at offset 4
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

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
