package streamlabs

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	// pageLimit is the fixed page size requested from the donations listing.
	pageLimit = 100
	// maxPages bounds pagination against cyclic or unbounded cursors.
	maxPages = 60
)

// Summary is the reduced view of the donation history: a grand total and the
// most frequently seen currency.
type Summary struct {
	Total           float64
	Currency        string
	FormattedTotal  string
	FetchedAt       time.Time
	AccountUsername string
}

// MarshalJSON renders the worker-compatible shape; an unknown currency is
// null rather than an empty string.
func (s Summary) MarshalJSON() ([]byte, error) {
	var currencyField *string
	if s.Currency != "" {
		currencyField = &s.Currency
	}
	return json.Marshal(struct {
		Total           float64   `json:"total"`
		Currency        *string   `json:"currency"`
		FormattedTotal  string    `json:"formattedTotal"`
		FetchedAt       time.Time `json:"fetchedAt"`
		AccountUsername string    `json:"accountUsername,omitempty"`
	}{
		Total:           s.Total,
		Currency:        currencyField,
		FormattedTotal:  s.FormattedTotal,
		FetchedAt:       s.FetchedAt,
		AccountUsername: s.AccountUsername,
	})
}

// Aggregator pages through the donation listing and reduces it to a Summary.
type Aggregator struct {
	svc *Service
}

// NewAggregator creates an aggregator on top of the provider client.
func NewAggregator(svc *Service) *Aggregator {
	return &Aggregator{svc: svc}
}

// FetchSummary walks the donation history using the before-cursor and
// accumulates the total and per-currency counts. Pagination continues while
// the provider returns exactly full pages and a distinct next cursor, up to
// maxPages.
func (a *Aggregator) FetchSummary(ctx context.Context, accessToken string) (*Summary, error) {
	var (
		before        string
		pagesFetched  int
		total         float64
		currencySeen  []string
		currencyCount = make(map[string]int)
	)

	for pagesFetched < maxPages {
		body, err := a.svc.FetchDonationsPage(ctx, accessToken, before, pageLimit)
		if err != nil {
			return nil, err
		}

		donations := gjson.GetBytes(body, "data").Array()
		if len(donations) == 0 {
			break
		}

		for _, donation := range donations {
			if amount, ok := normalizeAmount(donation.Get("amount")); ok {
				total += amount
			}
			code := strings.ToUpper(strings.TrimSpace(donation.Get("currency").String()))
			if code != "" {
				if currencyCount[code] == 0 {
					currencySeen = append(currencySeen, code)
				}
				currencyCount[code]++
			}
		}

		if len(donations) < pageLimit {
			break
		}
		next := strings.TrimSpace(donations[len(donations)-1].Get("donation_id").String())
		if next == "" || next == before {
			break
		}
		before = next
		pagesFetched++
	}

	rounded := RoundTotal(total)
	primary := pickPrimaryCurrency(currencySeen, currencyCount)

	return &Summary{
		Total:          rounded,
		Currency:       primary,
		FormattedTotal: FormatTotal(rounded, primary),
		FetchedAt:      time.Now().UTC(),
	}, nil
}

// normalizeAmount parses a donation amount. Numeric values pass through;
// string values are stripped of everything but digits, dots and minus signs
// before parsing. Anything else is skipped, not fatal.
func normalizeAmount(value gjson.Result) (float64, bool) {
	switch value.Type {
	case gjson.Number:
		return value.Num, true
	case gjson.String:
		var b strings.Builder
		for _, r := range value.Str {
			if (r >= '0' && r <= '9') || r == '.' || r == '-' {
				b.WriteRune(r)
			}
		}
		parsed, err := strconv.ParseFloat(b.String(), 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// RoundTotal rounds to 2 decimal places, half away from zero. This matches
// the float rounding the original handler used; exact halves remain subject
// to binary float representation by choice.
func RoundTotal(total float64) float64 {
	return math.Round(total*100) / 100
}

// pickPrimaryCurrency selects the most frequent code, first-seen order
// breaking ties.
func pickPrimaryCurrency(seen []string, counts map[string]int) string {
	best := ""
	bestCount := -1
	for _, code := range seen {
		if counts[code] > bestCount {
			best = code
			bestCount = counts[code]
		}
	}
	return best
}

var displayPrinter = message.NewPrinter(language.AmericanEnglish)

// FormatTotal renders the total as a localized currency string when the
// currency is known, else as a plain 2-decimal number.
func FormatTotal(total float64, code string) string {
	if code != "" {
		if unit, err := currency.ParseISO(code); err == nil {
			return displayPrinter.Sprint(currency.NarrowSymbol(unit.Amount(total)))
		}
	}
	return displayPrinter.Sprintf("%.2f", total)
}
