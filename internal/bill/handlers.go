package bill

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Sreethamgoud/billbox-customer-compass/internal/extraction"
)

const ndjson = "application/x-ndjson"

// writeJSON writes v as a JSON response with the given status
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// processingStatus maps a ProcessBill error to a status code and a message for the user
func processingStatus(err error, maxSize int64) (int, string) {
	switch {
	case errors.Is(err, ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, "File is too large. Maximum size is " + strconv.FormatInt(maxSize>>20, 10) + "MB."
	case errors.Is(err, ErrEmptyFile):
		return http.StatusBadRequest, "The file is empty. Please choose a different file."
	case errors.Is(err, extraction.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, extraction.UserMessage(err)
	case errors.Is(err, extraction.ErrDocumentParse), errors.Is(err, extraction.ErrPageRender):
		return http.StatusUnprocessableEntity, extraction.UserMessage(err)
	case errors.Is(err, extraction.ErrRecognition):
		return http.StatusServiceUnavailable, extraction.UserMessage(err)
	default:
		return http.StatusInternalServerError, "Processing failed. Please try again."
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleProcessBill runs the processing pipeline over an uploaded file. Clients that
// accept application/x-ndjson get progress events streamed before the result.
func (s *Server) handleProcessBill(w http.ResponseWriter, r *http.Request) {
	maxSize := s.service.MaxFileSize()
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			code, msg := processingStatus(ErrFileTooLarge, maxSize)
			writeError(w, msg, code)
			return
		}
		writeError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, "No file was selected. Please choose a file to upload.", http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}
	contentType := header.Header.Get("Content-Type")

	if !strings.Contains(r.Header.Get("Accept"), ndjson) {
		processed, err := s.service.ProcessBill(r.Context(), header.Filename, data, contentType, nil)
		if err != nil {
			slog.Error("Error processing bill", "filename", header.Filename, "error", err)
			code, msg := processingStatus(err, maxSize)
			writeError(w, msg, code)
			return
		}
		writeJSON(w, http.StatusOK, processed)
		return
	}

	w.Header().Set("Content-Type", ndjson)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	emit := func(v any) {
		if err := enc.Encode(v); err != nil {
			slog.Warn("Error streaming progress", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	processed, err := s.service.ProcessBill(r.Context(), header.Filename, data, contentType, func(p extraction.Progress) {
		emit(map[string]any{"progress": p})
	})
	if err != nil {
		slog.Error("Error processing bill", "filename", header.Filename, "error", err)
		code, msg := processingStatus(err, maxSize)
		emit(map[string]any{"error": msg, "status": code, "retryable": extraction.Retryable(err)})
		return
	}
	emit(map[string]any{"bill": processed})
}

func (s *Server) handleSaveBill(w http.ResponseWriter, r *http.Request) {
	var in BillInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	bill, err := s.service.SaveBill(r.Context(), in)
	if err != nil {
		if errors.Is(err, ErrInvalidBill) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("Error saving bill", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, bill)
}

func (s *Server) handleListBills(w http.ResponseWriter, r *http.Request) {
	bills, err := s.service.ListBills()
	if err != nil {
		slog.Error("Error listing bills", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if bills == nil {
		bills = []*Bill{}
	}
	writeJSON(w, http.StatusOK, bills)
}

func (s *Server) handleGetBill(w http.ResponseWriter, r *http.Request) {
	bill, err := s.service.GetBill(r.PathValue("id"))
	if err != nil {
		writeError(w, "Bill not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, bill)
}

func (s *Server) handleGetBillFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetBillFile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "File not found", http.StatusNotFound)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

func (s *Server) handleDeleteBill(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteBill(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, "Bill not found", http.StatusNotFound)
			return
		}
		slog.Error("Error deleting bill", "error", err)
		writeError(w, "Error deleting bill", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="bills.xlsx"`)
	if err := s.service.ExportXLSX(w); err != nil {
		slog.Error("Error exporting bills", "error", err)
		w.Header().Del("Content-Disposition")
		writeError(w, "Error exporting bills", http.StatusInternalServerError)
	}
}
