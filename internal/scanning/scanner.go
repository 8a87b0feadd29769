package scanning

import "context"

// Recognizer converts a receipt image into raw text
type Recognizer interface {
	// Recognize transcribes all text in a PNG image
	Recognize(ctx context.Context, imagePNG []byte) (string, error)

	// Close closes the recognizer and releases resources
	Close() error
}

// transcriptionPrompt is the shared prompt used by all LLM providers
const transcriptionPrompt = `You are an OCR engine. Transcribe every piece of text visible in this bank transfer or card payment receipt.

Rules:
- Reproduce the text exactly as printed, including numbers, punctuation, currency signs and accents
- Keep one printed line per output line, top to bottom
- Do not translate, summarize, correct or reformat anything
- Do not add commentary, labels, JSON or markdown code blocks
- If there is no legible text, return an empty response`
