package scanning

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"
	"unicode"

	"github.com/zombor/ticket-desk/internal/apperror"
	"github.com/zombor/ticket-desk/internal/extract"
	"github.com/zombor/ticket-desk/internal/imaging"
)

const (
	// DefaultTimeout bounds a single recognition call
	DefaultTimeout = 45 * time.Second

	// DefaultMinChars is the amount of recognized text below which the
	// unprocessed photo gets a second pass
	DefaultMinChars = 20
)

// Reading is the outcome of reading a receipt
type Reading struct {
	Text         string          `json:"text"`
	Passes       int             `json:"passes"`
	Preprocessed bool            `json:"preprocessed"`
	Fields       *extract.Result `json:"fields"`
}

// Reader runs the receipt pipeline: decode, preprocess, recognize, extract
type Reader struct {
	recognizer   Recognizer
	timeout      time.Duration
	minChars     int
	maxDimension int
}

// ReaderOption configures a Reader
type ReaderOption func(*Reader)

// WithTimeout bounds each recognition call
func WithTimeout(d time.Duration) ReaderOption {
	return func(r *Reader) { r.timeout = d }
}

// WithMinChars sets the threshold that triggers a second pass
func WithMinChars(n int) ReaderOption {
	return func(r *Reader) { r.minChars = n }
}

// WithMaxDimension bounds the longest side of the photo before preprocessing
func WithMaxDimension(n int) ReaderOption {
	return func(r *Reader) { r.maxDimension = n }
}

// NewReader creates a new Reader
func NewReader(recognizer Recognizer, opts ...ReaderOption) *Reader {
	r := &Reader{
		recognizer:   recognizer,
		timeout:      DefaultTimeout,
		minChars:     DefaultMinChars,
		maxDimension: imaging.DefaultMaxDimension,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read recognizes the text of a captured receipt and extracts its fields.
// Non-image input fails with a validation error; recognition problems fail
// with an OCRFailure so callers can fall back to manual entry.
func (r *Reader) Read(ctx context.Context, data []byte, contentType string) (*Reading, error) {
	img, err := imaging.Decode(data, contentType)
	if err != nil {
		return nil, err
	}
	img = imaging.Downscale(img, r.maxDimension)

	processed, err := imaging.EncodePNG(imaging.Preprocess(img))
	if err != nil {
		return nil, err
	}

	reading := &Reading{Passes: 1, Preprocessed: true}
	text, err := r.recognize(ctx, processed)
	if err != nil {
		return nil, &apperror.OCRFailure{Reason: "recognizing preprocessed image", Err: err}
	}
	reading.Text = text

	if countChars(text) < r.minChars {
		slog.Info("Little text recognized, retrying on the original photo",
			"chars", countChars(text),
			"threshold", r.minChars,
		)
		original, err := r.recognizeOriginal(ctx, img)
		reading.Passes++
		switch {
		case err != nil:
			slog.Warn("Second recognition pass failed", "error", err)
		case countChars(original) > countChars(text):
			reading.Text = original
			reading.Preprocessed = false
		}
	}

	if countChars(reading.Text) == 0 {
		return nil, &apperror.OCRFailure{Reason: "no text recognized"}
	}

	reading.Fields = extract.Extract(reading.Text)
	return reading, nil
}

func (r *Reader) recognizeOriginal(ctx context.Context, img image.Image) (string, error) {
	data, err := imaging.EncodePNG(img)
	if err != nil {
		return "", err
	}
	return r.recognize(ctx, data)
}

func (r *Reader) recognize(ctx context.Context, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	text, err := r.recognizer.Recognize(ctx, data)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("recognition timed out after %s: %w", r.timeout, err)
		}
		return "", err
	}
	return text, nil
}

// countChars counts non-whitespace characters
func countChars(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
