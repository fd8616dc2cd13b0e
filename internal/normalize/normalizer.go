package normalize

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ListingWatcher/internal/domain"
)

var (
	currencyExpr = regexp.MustCompile(`^[A-Z]{3}$`)
	spaceExpr    = regexp.MustCompile(`\s+`)
	phoneStrip   = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	priceStrip   = strings.NewReplacer(" ", "", ",", "", "_", "", "\u00a0", "")
)

var currencyAliases = map[string]string{
	"U$S":   "USD",
	"US$":   "USD",
	"U$D":   "USD",
	"$":     "ARS",
	"AR$":   "ARS",
	"PESOS": "ARS",
	"€":     "EUR",
}

// Rejection records why a post was dropped from a batch.
type Rejection struct {
	SourceID string
	Reason   string
}

// Batch is the normalized output of one fetch for one search.
type Batch struct {
	Posts      []domain.NormalizedPost
	FetchedAt  time.Time
	Received   int
	Duplicates int
	Rejected   []Rejection
	Warnings   []string
}

// Normalizer validates, canonicalizes and deduplicates raw posts.
type Normalizer struct {
	logger         *slog.Logger
	duplicateRatio float64
	now            func() time.Time
}

// NewNormalizer builds a normalizer that warns once duplicates exceed duplicateRatio of the input.
func NewNormalizer(duplicateRatio float64, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		logger:         logger,
		duplicateRatio: duplicateRatio,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Normalize turns raw posts of a search into a batch stamped with a single fetch time.
// Duplicated source ids keep the last value at the position of the first occurrence.
func (n *Normalizer) Normalize(search domain.Search, raw []domain.Post) Batch {
	batch := Batch{
		FetchedAt: n.now(),
		Received:  len(raw),
		Posts:     make([]domain.NormalizedPost, 0, len(raw)),
	}

	index := make(map[string]int, len(raw))
	for _, post := range raw {
		normalized, err := normalizePost(search, post)
		if err != nil {
			batch.Rejected = append(batch.Rejected, Rejection{SourceID: post.SourceID, Reason: err.Error()})
			n.debug("post rejected", "search_id", search.ID, "source_id", post.SourceID, "reason", err.Error())
			continue
		}

		if pos, dup := index[normalized.SourceID]; dup {
			batch.Duplicates++
			batch.Posts[pos] = normalized
			continue
		}
		index[normalized.SourceID] = len(batch.Posts)
		batch.Posts = append(batch.Posts, normalized)
	}

	if batch.Received > 0 && batch.Duplicates > 0 {
		ratio := float64(batch.Duplicates) / float64(batch.Received)
		if ratio > n.duplicateRatio {
			warning := fmt.Sprintf("%d of %d posts were duplicates (%.0f%%)", batch.Duplicates, batch.Received, ratio*100)
			batch.Warnings = append(batch.Warnings, warning)
			if n.logger != nil {
				n.logger.Warn("duplicate posts in provider response",
					"search_id", search.ID, "provider", search.Provider,
					"duplicates", batch.Duplicates, "received", batch.Received)
			}
		}
	}

	if len(batch.Rejected) > 0 && n.logger != nil {
		n.logger.Warn("posts rejected", "search_id", search.ID, "rejected", len(batch.Rejected), "received", batch.Received)
	}
	n.debug("normalized posts", "search_id", search.ID, "received", batch.Received, "kept", len(batch.Posts))

	return batch
}

func normalizePost(search domain.Search, post domain.Post) (domain.NormalizedPost, error) {
	sourceID := strings.TrimSpace(post.SourceID)
	if sourceID == "" {
		return domain.NormalizedPost{}, fmt.Errorf("missing source id")
	}

	provider := post.Provider
	if provider == "" {
		provider = search.Provider
	}
	if search.Provider != "" && provider != search.Provider {
		return domain.NormalizedPost{}, fmt.Errorf("provider %s does not match search provider %s", provider, search.Provider)
	}

	price, err := ParsePrice(post.Price)
	if err != nil {
		return domain.NormalizedPost{}, err
	}

	currency, err := ParseCurrency(post.Currency)
	if err != nil {
		return domain.NormalizedPost{}, err
	}

	pictures := make([]string, 0, len(post.PictureURLs))
	for _, pic := range post.PictureURLs {
		if pic = strings.TrimSpace(pic); pic != "" {
			pictures = append(pictures, pic)
		}
	}

	return domain.NormalizedPost{
		Provider:     provider,
		SourceID:     sourceID,
		URL:          strings.TrimSpace(post.URL),
		Title:        CleanText(post.Title),
		Price:        price,
		Currency:     currency,
		PictureURLs:  pictures,
		ContactPhone: NormalizePhone(post.ContactPhone),
		PublisherID:  strings.TrimSpace(post.PublisherID),
		ModifiedAt:   post.ModifiedAt,
	}, nil
}

// ParsePrice reads a decimal amount, dropping thousands separators.
func ParsePrice(raw string) (decimal.Decimal, error) {
	cleaned := priceStrip.Replace(strings.TrimSpace(raw))
	if cleaned == "" {
		return decimal.Decimal{}, fmt.Errorf("missing price")
	}
	price, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid price %q", raw)
	}
	if price.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("negative price %q", raw)
	}
	return price, nil
}

// ParseCurrency maps provider currency labels to ISO codes.
func ParseCurrency(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", fmt.Errorf("missing currency")
	}
	if alias, ok := currencyAliases[code]; ok {
		code = alias
	}
	if !currencyExpr.MatchString(code) {
		return "", fmt.Errorf("invalid currency %q", raw)
	}
	return code, nil
}

// NormalizePhone keeps digits suitable for a wa.me link.
func NormalizePhone(raw string) string {
	phone := phoneStrip.Replace(strings.TrimSpace(raw))
	return strings.TrimLeft(phone, "+0")
}

// CleanText collapses whitespace.
func CleanText(raw string) string {
	return strings.TrimSpace(spaceExpr.ReplaceAllString(raw, " "))
}

func (n *Normalizer) debug(msg string, args ...any) {
	if n.logger != nil {
		n.logger.Debug(msg, args...)
	}
}
