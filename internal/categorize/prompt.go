package categorize

import (
	"strconv"
	"strings"
)

const systemPrompt = "You are a financial assistant that categorizes bills and receipts. Always respond with valid JSON."

const categoryList = `Analyze this bill/receipt and categorize it into one of these categories:
- Utilities (electricity, gas, water, internet, phone)
- Groceries (food, beverages, household items)
- Entertainment (movies, games, subscriptions, dining out)
- Transportation (gas, public transport, uber, parking)
- Healthcare (medical, dental, pharmacy, insurance)
- Shopping (clothing, electronics, general retail)
- Housing (rent, mortgage, home maintenance)
- Other`

const responseInstructions = `Respond with a JSON object containing:
- category: the most appropriate category from the list above
- confidence: a number from 0-100 indicating how confident you are
- reasoning: a brief explanation of why you chose this category

Example response:
{
  "category": "Utilities",
  "confidence": 95,
  "reasoning": "The bill appears to be from an electric company based on the text mentioning electricity usage and utility provider name."
}

Do not include any text before or after the JSON.`

// buildPrompt renders the user prompt shared by every provider
func buildPrompt(bill BillData) string {
	var b strings.Builder
	b.WriteString(categoryList)
	b.WriteString("\n\nBill Information:\n")
	b.WriteString("Text: " + strconv.Quote(bill.Text) + "\n")
	if bill.Merchant != "" {
		b.WriteString("Merchant: " + bill.Merchant + "\n")
	}
	if bill.Amount > 0 {
		b.WriteString("Amount: $" + strconv.FormatFloat(bill.Amount, 'f', 2, 64) + "\n")
	}
	if bill.Date != "" {
		b.WriteString("Date: " + bill.Date + "\n")
	}
	b.WriteString("\n")
	b.WriteString(responseInstructions)
	return b.String()
}
