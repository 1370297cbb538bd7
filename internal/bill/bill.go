package bill

import "time"

// Status is where a bill is in its payment lifecycle
type Status string

const (
	StatusUpcoming Status = "upcoming"
	StatusDue      Status = "due"
	StatusPaid     Status = "paid"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusUpcoming, StatusDue, StatusPaid:
		return true
	}
	return false
}

// Bill represents a saved bill
type Bill struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Amount      int       `json:"amount"` // Amount in cents
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	DueDate     string    `json:"due_date"` // YYYY-MM-DD
	Status      Status    `json:"status"`
	Filename    string    `json:"filename,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Confidence  int       `json:"confidence,omitempty"`
	Reasoning   string    `json:"reasoning,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProcessedBill is the result of processing an upload, ready for review before it is saved
type ProcessedBill struct {
	Name        string `json:"name"`
	Amount      int    `json:"amount"` // Amount in cents
	Category    string `json:"category"`
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Confidence  int    `json:"confidence"`
	Reasoning   string `json:"reasoning"`
	Text        string `json:"text"`
	Pages       int    `json:"pages"`
}
