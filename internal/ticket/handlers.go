package ticket

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/ticket-desk/internal/apperror"
)

// maxUploadSize bounds receipt uploads; phone photos are large
const maxUploadSize = int64(50 << 20)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{"error": message})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// errorBody builds the JSON body for a failed request
func errorBody(err error) map[string]any {
	body := map[string]any{"error": err.Error()}
	var validationErr *apperror.ValidationError
	if errors.As(err, &validationErr) {
		body["fields"] = validationErr.Fields
	}
	if apperror.IsRetryable(err) {
		body["retryable"] = true
	}
	return body
}

// writeError maps an error to its status code
func writeError(w http.ResponseWriter, err error) {
	code := apperror.StatusCode(err)
	if code == http.StatusInternalServerError {
		slog.Error("Internal error", "error", err)
		corsError(w, "Internal server error", code)
		return
	}
	setCORSHeaders(w)
	writeJSON(w, code, errorBody(err))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetSession returns the operator of the session
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"user":         s.session.User(),
		"open_tickets": len(s.session.List()),
	})
}

// handleListTickets returns the open tickets
func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.List())
}

// handleOpenTicket opens a ticket for an area
func (s *Server) handleOpenTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Area string `json:"area"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	id, err := s.session.OpenTicket(r.Context(), req.Area)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.session.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// handleGetTicket returns a single ticket
func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.session.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleCancelTicket cancels a ticket without payments
func (s *Server) handleCancelTicket(w http.ResponseWriter, r *http.Request) {
	if err := s.session.CancelTicket(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAddLineItem adds a product to a ticket
func (s *Server) handleAddLineItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string          `json:"description"`
		Category    string          `json:"category"`
		UnitPrice   decimal.Decimal `json:"unit_price"`
		Quantity    int             `json:"quantity"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	item, err := s.session.AddLineItem(r.Context(), r.PathValue("id"), req.Description, req.Category, req.UnitPrice, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// handleRemoveLineItem removes a product from a ticket
func (s *Server) handleRemoveLineItem(w http.ResponseWriter, r *http.Request) {
	if err := s.session.RemoveLineItem(r.Context(), r.PathValue("id"), r.PathValue("itemID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCloseTicket registers a payment or a room charge
func (s *Server) handleCloseTicket(w http.ResponseWriter, r *http.Request) {
	var dest Destination
	if !decodeBody(w, r, &dest) {
		return
	}
	s.writeCloseResult(w, r.PathValue("id"))(s.session.RequestClose(r.Context(), r.PathValue("id"), dest))
}

// handleFinalizeSettlement retries a settlement whose persistence failed
func (s *Server) handleFinalizeSettlement(w http.ResponseWriter, r *http.Request) {
	s.writeCloseResult(w, r.PathValue("id"))(s.session.FinalizeSettlement(r.Context(), r.PathValue("id")))
}

func (s *Server) writeCloseResult(w http.ResponseWriter, id string) func(*CloseResult, error) {
	return func(result *CloseResult, err error) {
		if err == nil {
			writeJSON(w, http.StatusOK, result)
			return
		}
		if result == nil {
			writeError(w, err)
			return
		}
		slog.Info("Close request failed", "ticket_id", id, "error", err)
		body := errorBody(err)
		body["result"] = result
		setCORSHeaders(w)
		writeJSON(w, apperror.StatusCode(err), body)
	}
}

// handleListCaptures returns the receipt drafts awaiting confirmation
func (s *Server) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.session.Get(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Captures(id))
}

// handleScanReceipt uploads a receipt photo and returns the extracted draft
func (s *Server) handleScanReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		corsError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		corsError(w, errorMsg, http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		corsError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFromExt(header.Filename)
	}

	capture, err := s.session.ScanReceipt(r.Context(), r.PathValue("id"), header.Filename, data, contentType)
	if err != nil {
		slog.Error("Error scanning receipt", "filename", header.Filename, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, capture)
}

// handleDiscardCapture drops a receipt draft
func (s *Server) handleDiscardCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.session.DiscardCapture(r.PathValue("id"), r.PathValue("captureID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetReceiptImage returns a stored receipt photo
func (s *Server) handleGetReceiptImage(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.session.ReceiptImage(r.PathValue("ref"))
	if err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// contentTypeFromExt guesses the MIME type of an upload without one
func contentTypeFromExt(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}
