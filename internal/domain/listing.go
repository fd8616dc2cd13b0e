package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provider names an external listing site.
type Provider string

const (
	ProviderZonaProp     Provider = "ZonaProp"
	ProviderMercadoLibre Provider = "MercadoLibre"
)

// Post is a single listing as returned by a provider adapter, before normalization.
type Post struct {
	Provider     Provider
	SourceID     string
	URL          string
	Title        string
	Price        string
	Currency     string
	PictureURLs  []string
	ContactPhone string
	PublisherID  string
	ModifiedAt   *time.Time
}

// NormalizedPost is a validated post with an exact price and ISO currency code.
type NormalizedPost struct {
	Provider     Provider
	SourceID     string
	URL          string
	Title        string
	Price        decimal.Decimal
	Currency     string
	PictureURLs  []string
	ContactPhone string
	PublisherID  string
	ModifiedAt   *time.Time
}

// Listing is the canonical record of one external post, unique per provider and source id.
type Listing struct {
	ID                int64
	Provider          Provider
	SourceID          string
	Title             string
	URL               string
	PictureURLs       []string
	ContactPhone      string
	PublisherID       string
	ModifiedAt        *time.Time
	CurrentRevisionID *int64
	FirstSeenAt       time.Time
	UpdatedAt         time.Time
}

// Revision is an immutable price snapshot of a listing.
type Revision struct {
	ID         int64
	ListingID  int64
	Price      decimal.Decimal
	Currency   string
	CapturedAt time.Time
}

// SamePrice reports whether the revision carries exactly the given price and currency.
func (r Revision) SamePrice(price decimal.Decimal, currency string) bool {
	return r.Currency == currency && r.Price.Equal(price)
}
