package notify

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ListingWatcher/internal/domain"
)

var markdownExpr = regexp.MustCompile("[*_`~\\\\\\[\\]]")

const untitled = "Untitled property"

// SanitizeTitle drops Markdown delimiters so titles cannot break message formatting.
func SanitizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return untitled
	}
	return markdownExpr.ReplaceAllString(title, "")
}

// FormatPrice renders "$ 1,234 USD"; a zero price means the publisher asks to enquire.
func FormatPrice(price decimal.Decimal, currency string) string {
	if price.IsZero() {
		return "Ask"
	}
	return fmt.Sprintf("$ %s %s", groupThousands(price.Round(0).StringFixed(0)), currency)
}

func groupThousands(digits string) string {
	sign := ""
	if strings.HasPrefix(digits, "-") {
		sign, digits = "-", digits[1:]
	}
	if len(digits) <= 3 {
		return sign + digits
	}

	var b strings.Builder
	head := len(digits) % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return sign + b.String()
}

func formatModified(at *time.Time, loc *time.Location) string {
	if at == nil {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return "__Last modified: " + at.In(loc).Format("15:04 on 02/01") + "__"
}

func header(newCount, revisedCount int) string {
	total := newCount + revisedCount
	switch {
	case revisedCount == 0 && total == 1:
		return "🗞 1 new property for your searches."
	case revisedCount == 0:
		return fmt.Sprintf("🗞 %d new properties for your searches.", total)
	case newCount == 0 && total == 1:
		return "🗞 1 property from your searches changed currency or dropped its price."
	case newCount == 0:
		return fmt.Sprintf("🗞 %d properties from your searches changed currency or price.", total)
	default:
		return fmt.Sprintf("🗞 %d updates for your searches: %d new, %d with a new price.", total, newCount, revisedCount)
	}
}

func withheldLine(withheld int) string {
	if withheld == 1 {
		return "➕ 1 more update is waiting and will arrive in the next round."
	}
	return fmt.Sprintf("➕ %d more updates are waiting and will arrive in the next rounds.", withheld)
}

func oversizedLine(maxBatch int) string {
	return fmt.Sprintf("⚠️ **This search seems to return a lot of new results.** We don't send more than %d at once."+
		" Consider deleting it and creating a more specific one, or you will receive too many alerts.", maxBatch)
}

func buildEntry(p domain.PendingWatch, loc *time.Location) domain.Entry {
	title := SanitizeTitle(p.Listing.Title)
	newPrice := FormatPrice(p.Current.Price, p.Current.Currency)

	entry := domain.Entry{
		WatchID:    p.Watch.ID,
		RevisionID: p.Current.ID,
		Kind:       p.Kind(),
		Title:      title,
		URL:        p.Listing.URL,
		SearchURL:  p.Search.URL,
		NewPrice:   newPrice,
		ModifiedAt: p.Listing.ModifiedAt,
		Links:      entryLinks(p.Listing),
	}

	var lines []string
	if entry.Kind == domain.EntryRevised {
		entry.OldPrice = FormatPrice(p.Previous.Price, p.Previous.Currency)
		marker := "🔄"
		if p.Previous.Currency == p.Current.Currency && p.Current.Price.LessThan(p.Previous.Price) {
			marker = "🔽"
		}
		lines = append(lines,
			fmt.Sprintf("%s \"%s\"", marker, title),
			fmt.Sprintf("%s → **%s**", entry.OldPrice, newPrice))
	} else {
		lines = append(lines,
			fmt.Sprintf("🆕 \"%s\"", title),
			fmt.Sprintf("**%s**", newPrice))
	}
	if modified := formatModified(p.Listing.ModifiedAt, loc); modified != "" {
		lines = append(lines, modified)
	}
	lines = append(lines, fmt.Sprintf("[post](%s) | [search](%s)", p.Listing.URL, p.Search.URL))

	entry.Text = strings.Join(lines, "\n")
	return entry
}

func entryLinks(listing domain.Listing) []domain.Link {
	var links []domain.Link
	if listing.URL != "" {
		links = append(links, domain.Link{Label: string(listing.Provider), URL: listing.URL})
	}
	if listing.ContactPhone != "" {
		links = append(links, domain.Link{Label: "Contact", URL: ContactURL(listing)})
	}
	return links
}

// ContactURL builds a WhatsApp link with a greeting that references the listing.
func ContactURL(listing domain.Listing) string {
	greeting := fmt.Sprintf("Hi! I saw this listing on %s and I'm interested. Could we arrange a visit?\n\n%s",
		listing.Provider, listing.URL)
	return fmt.Sprintf("https://wa.me/%s?text=%s", listing.ContactPhone, url.QueryEscape(greeting))
}
