// Package categorize assigns a spending category to extracted bill data using a
// language model.
package categorize

import (
	"context"

	"github.com/Sreethamgoud/billbox-customer-compass/internal/fields"
)

// Categories a bill may be assigned to
var Categories = []string{
	"Utilities",
	"Groceries",
	"Entertainment",
	"Transportation",
	"Healthcare",
	"Shopping",
	"Housing",
	"Other",
}

// BillData is what the categorizer knows about a bill
type BillData struct {
	Text     string  `json:"text"`
	Merchant string  `json:"merchant,omitempty"`
	Amount   float64 `json:"amount,omitempty"`
	Date     string  `json:"date,omitempty"`
}

// FromFields builds BillData from recognized text and parsed fields
func FromFields(text string, f fields.Fields) BillData {
	return BillData{Text: text, Merchant: f.Merchant, Amount: f.Amount, Date: f.Date}
}

// Categorization is a model's verdict on a bill
type Categorization struct {
	Category   string `json:"category"`
	Confidence int    `json:"confidence"` // 0..100
	Reasoning  string `json:"reasoning"`
}

// Fallback is used when the model answers with something that is not a valid categorization
func Fallback() *Categorization {
	return &Categorization{
		Category:   "Other",
		Confidence: 50,
		Reasoning:  "Could not determine category from bill text",
	}
}

// Categorizer defines the interface for bill categorization
type Categorizer interface {
	// Categorize returns a categorization, or an error when the model could not be reached
	Categorize(ctx context.Context, bill BillData) (*Categorization, error)
	// Close releases the underlying client
	Close() error
}
