package bill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sreethamgoud/billbox-customer-compass/internal/categorize"
	"github.com/Sreethamgoud/billbox-customer-compass/internal/extraction"
)

// DefaultMaxFileSize is the largest upload ProcessBill accepts by default
const DefaultMaxFileSize = 10 << 20

const defaultBillName = "Uploaded Bill"

var (
	// ErrFileTooLarge is returned for uploads above the configured size limit
	ErrFileTooLarge = errors.New("file is too large")
	// ErrEmptyFile is returned for zero-byte uploads
	ErrEmptyFile = errors.New("file is empty")
	// ErrInvalidBill is returned when a bill to be saved fails validation
	ErrInvalidBill = errors.New("invalid bill")
)

// Upload types accepted by ProcessBill
var allowedTypes = []string{
	"image/jpeg",
	"image/jpg",
	"image/png",
	"image/webp",
	"image/heic",
	"image/heif",
	"application/pdf",
}

// Extractor runs text extraction over an uploaded document
type Extractor interface {
	Extract(ctx context.Context, doc extraction.SourceDocument, onProgress extraction.ProgressFunc) (*extraction.Result, error)
}

// IDGenerator generates unique IDs for bills
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type systemTime struct{}

func (systemTime) Now() time.Time {
	return time.Now()
}

// Service handles bill operations
type Service struct {
	db          DB
	storage     Storage
	extractor   Extractor
	categorizer categorize.Categorizer
	idGenerator IDGenerator
	timeSource  TimeSource
	maxFileSize int64
}

// NewService creates a new Service with default ID generator and time source.
// categorizer may be nil, in which case every bill gets the fallback category.
func NewService(db DB, storage Storage, extractor Extractor, categorizer categorize.Categorizer) *Service {
	return NewServiceWithDeps(db, storage, extractor, categorizer, uuidGenerator{}, systemTime{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, extractor Extractor, categorizer categorize.Categorizer, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		extractor:   extractor,
		categorizer: categorizer,
		idGenerator: idGen,
		timeSource:  timeSrc,
		maxFileSize: DefaultMaxFileSize,
	}
}

// SetMaxFileSize changes the upload size limit
func (s *Service) SetMaxFileSize(n int64) {
	if n > 0 {
		s.maxFileSize = n
	}
}

// MaxFileSize returns the upload size limit
func (s *Service) MaxFileSize() int64 {
	return s.maxFileSize
}

var (
	filenameDisallowRe = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	filenameSpaceRe    = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filename, filepath.Ext(filename))

	base = filenameDisallowRe.ReplaceAllString(base, "")
	base = strings.TrimSpace(filenameSpaceRe.ReplaceAllString(base, " "))
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "bill"
	}
	if filenameDisallowRe.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	return base + ext
}

// resolveContentType normalizes the declared type, falling back to the file extension
func resolveContentType(filename, contentType string) string {
	ct := extraction.NormalizeMediaType(contentType)
	if ct == "" || ct == "application/octet-stream" {
		ct = extraction.MediaTypeFromFilename(filename)
	}
	return ct
}

func (s *Service) checkUpload(data []byte, contentType string) error {
	if !slices.Contains(allowedTypes, contentType) {
		return &extraction.Error{Kind: extraction.ErrUnsupportedFormat, Err: fmt.Errorf("content type %q", contentType)}
	}
	if len(data) == 0 {
		return ErrEmptyFile
	}
	if int64(len(data)) > s.maxFileSize {
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrFileTooLarge, len(data), s.maxFileSize)
	}
	return nil
}

// ProcessBill stores an uploaded bill file, extracts its text and fields and
// categorizes it. The result is not saved as a bill; see SaveBill.
func (s *Service) ProcessBill(ctx context.Context, filename string, data []byte, contentType string, onProgress extraction.ProgressFunc) (*ProcessedBill, error) {
	contentType = resolveContentType(filename, contentType)
	if err := s.checkUpload(data, contentType); err != nil {
		return nil, fmt.Errorf("checking upload: %w", err)
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	savedPath, err := s.storage.Save(ctx, fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	result, err := s.extractor.Extract(ctx, extraction.SourceDocument{
		Name:      filename,
		MediaType: contentType,
		Data:      data,
	}, onProgress)
	if err != nil {
		slog.Error("Failed to extract bill",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		s.removeFile(ctx, savedPath)
		return nil, fmt.Errorf("extracting bill: %w", err)
	}

	cat, err := s.categorize(ctx, result)
	if err != nil {
		slog.Error("Failed to categorize bill", "filename", filename, "error", err)
		s.removeFile(ctx, savedPath)
		return nil, fmt.Errorf("categorizing bill: %w", err)
	}

	name := result.Fields.Merchant
	if name == "" {
		name = defaultBillName
	}

	processed := &ProcessedBill{
		Name:        name,
		Amount:      toCents(result.Fields.Amount),
		Category:    cat.Category,
		Description: fmt.Sprintf("AI categorized with %d%% confidence: %s", cat.Confidence, cat.Reasoning),
		DueDate:     NormalizeDate(result.Fields.Date, now),
		Filename:    savedPath,
		ContentType: contentType,
		Confidence:  cat.Confidence,
		Reasoning:   cat.Reasoning,
		Text:        result.Text,
		Pages:       result.Pages,
	}

	slog.Info("Processed bill",
		"filename", filename,
		"run_id", result.RunID,
		"category", processed.Category,
		"confidence", processed.Confidence)
	return processed, nil
}

func (s *Service) categorize(ctx context.Context, result *extraction.Result) (*categorize.Categorization, error) {
	if s.categorizer == nil {
		return categorize.Fallback(), nil
	}
	cat, err := s.categorizer.Categorize(ctx, categorize.FromFields(result.Text, result.Fields))
	if err != nil {
		return nil, err
	}
	if cat.Category == "" {
		cat.Category = "Other"
	}
	return cat, nil
}

func (s *Service) removeFile(ctx context.Context, key string) {
	// cleanup runs even when the request was cancelled
	ctx = context.WithoutCancel(ctx)
	if err := s.storage.Delete(ctx, key); err != nil {
		slog.Warn("Failed to delete file", "filename", key, "error", err)
	}
}

func toCents(amount float64) int {
	return int(math.Round(amount * 100))
}

// BillInput is a bill to be saved, usually a reviewed ProcessedBill
type BillInput struct {
	Name        string `json:"name"`
	Amount      int    `json:"amount"` // Amount in cents
	Category    string `json:"category"`
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
	Status      Status `json:"status"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Confidence  int    `json:"confidence"`
	Reasoning   string `json:"reasoning"`
}

// SaveBill validates and persists a new bill
func (s *Service) SaveBill(ctx context.Context, in BillInput) (*Bill, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidBill)
	}
	if in.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidBill)
	}
	if _, err := time.Parse(isoDate, in.DueDate); err != nil {
		return nil, fmt.Errorf("%w: due_date must be YYYY-MM-DD", ErrInvalidBill)
	}
	if in.Status == "" {
		in.Status = StatusUpcoming
	}
	if !in.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidBill, in.Status)
	}
	if in.Category == "" {
		in.Category = "Other"
	}
	if in.Filename != "" {
		if err := s.checkUploadKey(in.Filename); err != nil {
			return nil, err
		}
	}

	now := s.timeSource.Now()
	bill := &Bill{
		ID:          s.idGenerator.Generate(),
		Name:        in.Name,
		Amount:      in.Amount,
		Category:    in.Category,
		Description: in.Description,
		DueDate:     in.DueDate,
		Status:      in.Status,
		Filename:    in.Filename,
		ContentType: in.ContentType,
		Confidence:  in.Confidence,
		Reasoning:   in.Reasoning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.SaveBill(bill); err != nil {
		return nil, fmt.Errorf("saving bill to database: %w", err)
	}
	return bill, nil
}

// isUploadKey reports whether key has the <uuid>_<name> shape ProcessBill stores uploads under
func isUploadKey(key string) bool {
	id, name, ok := strings.Cut(key, "_")
	if !ok || len(id) != 36 || name == "" {
		return false
	}
	if _, err := uuid.Parse(id); err != nil {
		return false
	}
	return name == sanitizeFilename(name)
}

// checkUploadKey makes sure a new bill only claims an upload no other bill owns
func (s *Service) checkUploadKey(key string) error {
	if !isUploadKey(key) {
		return fmt.Errorf("%w: filename %q is not an uploaded file", ErrInvalidBill, key)
	}
	bills, err := s.db.ListBills()
	if err != nil {
		return fmt.Errorf("checking filename: %w", err)
	}
	for _, b := range bills {
		if b.Filename == key {
			return fmt.Errorf("%w: filename %q belongs to bill %s", ErrInvalidBill, key, b.ID)
		}
	}
	return nil
}

// SweepOrphans deletes uploads older than age that no saved bill references and
// returns how many were removed
func (s *Service) SweepOrphans(ctx context.Context, age time.Duration) (int, error) {
	files, err := s.storage.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing stored files: %w", err)
	}
	bills, err := s.db.ListBills()
	if err != nil {
		return 0, fmt.Errorf("listing bills: %w", err)
	}
	referenced := make(map[string]bool, len(bills))
	for _, b := range bills {
		referenced[b.Filename] = true
	}

	cutoff := s.timeSource.Now().Add(-age)
	removed := 0
	for _, f := range files {
		if !isUploadKey(f.Key) || referenced[f.Key] || !f.Modified.Before(cutoff) {
			continue
		}
		if err := s.storage.Delete(ctx, f.Key); err != nil {
			slog.Warn("Failed to delete orphaned upload", "filename", f.Key, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// RunSweeper calls SweepOrphans every interval until ctx is done
func (s *Service) RunSweeper(ctx context.Context, interval, age time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SweepOrphans(ctx, age)
			if err != nil {
				slog.Error("Orphan sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Removed orphaned uploads", "count", n)
			}
		}
	}
}

// GetBill retrieves a bill by ID
func (s *Service) GetBill(id string) (*Bill, error) {
	bill, err := s.db.GetBill(id)
	if err != nil {
		return nil, fmt.Errorf("getting bill: %w", err)
	}
	return bill, nil
}

// ListBills returns all bills
func (s *Service) ListBills() ([]*Bill, error) {
	bills, err := s.db.ListBills()
	if err != nil {
		return nil, fmt.Errorf("listing bills: %w", err)
	}
	return bills, nil
}

// DeleteBill removes a bill and its file
func (s *Service) DeleteBill(ctx context.Context, id string) error {
	bill, err := s.db.GetBill(id)
	if err != nil {
		return fmt.Errorf("getting bill for deletion: %w", err)
	}

	if bill.Filename != "" {
		s.removeFile(ctx, bill.Filename)
	}

	if err := s.db.DeleteBill(id); err != nil {
		return fmt.Errorf("deleting bill from database: %w", err)
	}
	return nil
}

// GetBillFile retrieves the uploaded file for a bill
func (s *Service) GetBillFile(ctx context.Context, id string) ([]byte, string, error) {
	bill, err := s.db.GetBill(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting bill: %w", err)
	}
	if bill.Filename == "" {
		return nil, "", fmt.Errorf("%w: bill %s has no file", ErrNotFound, id)
	}

	data, err := s.storage.Get(ctx, bill.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting bill file: %w", err)
	}
	return data, bill.ContentType, nil
}
