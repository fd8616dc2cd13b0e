package zonaprop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/infrastructure/providers"
	"ListingWatcher/internal/ports"
)

const (
	DefaultBaseURL  = "https://www.zonaprop.com.ar"
	DefaultMaxPages = 20
	resultsPerPage  = 20
	stateMarker     = "window.__PRELOADED_STATE__"
)

var (
	validSearchURL = regexp.MustCompile(`^https?://(www\.)?zonaprop\.com\.ar/[a-zA-Z0-9-]+\.html`)
	sortSuffix     = regexp.MustCompile(`(-orden-[a-z-]+)?\.html$`)
	currencyFix    = strings.NewReplacer("U$S", "USD", "Pesos", "ARS", "$", "ARS")
)

var _ ports.ProviderAdapter = (*Adapter)(nil)

// Options configure the adapter.
type Options struct {
	BaseURL  string
	MaxPages int
	Fetcher  *providers.Fetcher
	Logger   *slog.Logger
}

// Adapter reads ZonaProp search result pages.
type Adapter struct {
	fetcher  *providers.Fetcher
	baseURL  string
	maxPages int
	logger   *slog.Logger
}

// New builds the adapter; zero options fall back to the public site and 20 pages.
func New(opts Options) *Adapter {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = providers.NewFetcher(providers.FetcherOptions{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Adapter{
		fetcher:  fetcher,
		baseURL:  base,
		maxPages: maxPages,
		logger:   logger.With("provider", string(domain.ProviderZonaProp)),
	}
}

func (a *Adapter) Name() domain.Provider {
	return domain.ProviderZonaProp
}

func (a *Adapter) IsValidSearchURL(rawURL string) bool {
	return validSearchURL.MatchString(strings.TrimSpace(rawURL))
}

func (a *Adapter) CleanSearchURL(rawURL string) string {
	return providers.CleanURL(rawURL)
}

func (a *Adapter) MaxResultsConsidered() int {
	return a.maxPages * resultsPerPage
}

// FetchLatest reads the search sorted by publication date, newest first.
func (a *Adapter) FetchLatest(ctx context.Context, search domain.Search) ([]domain.Post, error) {
	total, posts, err := a.GetSearchResults(ctx, LatestURL(search.URL), a.maxPages)
	if err != nil {
		return nil, err
	}
	a.logger.Info("fetched latest results", "search_id", search.ID, "total", total, "posts", len(posts))
	return posts, nil
}

// GetSearchResults walks up to maxPages result pages and returns the advertised total.
func (a *Adapter) GetSearchResults(ctx context.Context, rawURL string, maxPages int) (int, []domain.Post, error) {
	first, err := a.page(ctx, rawURL)
	if err != nil {
		return 0, nil, err
	}
	paging := first.ListStore.Paging
	posts := a.toPosts(first.ListStore.ListPostings)

	if maxPages <= 0 || maxPages > a.maxPages {
		maxPages = a.maxPages
	}
	last := min(maxPages, paging.TotalPages)
	pages := a.pageURLs(paging.PagesURL)
	for i := 1; i < last && i < len(pages); i++ {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		next, err := a.page(ctx, pages[i])
		if err != nil {
			return 0, nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		posts = append(posts, a.toPosts(next.ListStore.ListPostings)...)
	}

	a.logger.Debug("search results", "url", rawURL, "total", paging.Total, "pages", paging.TotalPages, "posts", len(posts))
	return paging.Total, posts, nil
}

// LatestURL rewrites a search URL so results are ordered by newest first.
func LatestURL(rawURL string) string {
	return sortSuffix.ReplaceAllString(providers.CleanURL(rawURL), "-orden-publicado-descendente.html")
}

type preloadedState struct {
	ListStore struct {
		ListPostings []posting `json:"listPostings"`
		Paging       paging    `json:"paging"`
	} `json:"listStore"`
}

type paging struct {
	Total      int                `json:"total"`
	TotalPages int                `json:"totalPages"`
	PagesURL   map[string]*string `json:"pagesUrl"`
}

type posting struct {
	PostingID           providers.FlexString `json:"postingId"`
	URL                 string               `json:"url"`
	Title               string               `json:"title"`
	PriceOperationTypes []struct {
		Prices []struct {
			Amount   providers.FlexString `json:"amount"`
			Currency string               `json:"currency"`
		} `json:"prices"`
	} `json:"priceOperationTypes"`
	VisiblePictures struct {
		Pictures []struct {
			URL string `json:"url730x532"`
		} `json:"pictures"`
	} `json:"visiblePictures"`
	Whatsapp     string `json:"whatsapp"`
	WhatsApp     string `json:"whatsApp"`
	ModifiedDate string `json:"modified_date"`
	Publisher    struct {
		PublisherID providers.FlexString `json:"publisherId"`
	} `json:"publisher"`
}

func (a *Adapter) page(ctx context.Context, pageURL string) (preloadedState, error) {
	var state preloadedState
	doc, err := a.fetcher.Document(ctx, pageURL)
	if err != nil {
		return state, err
	}
	script := doc.Find("script#preloadedData").First()
	if script.Length() == 0 {
		return state, fmt.Errorf("zonaprop page %s has no preloaded data", pageURL)
	}
	if err := providers.DecodeObjectAt(script.Text(), stateMarker, &state); err != nil {
		return state, fmt.Errorf("zonaprop page %s: %w", pageURL, err)
	}
	return state, nil
}

func (a *Adapter) pageURLs(raw map[string]*string) []string {
	type numbered struct {
		n    int
		path string
	}
	list := make([]numbered, 0, len(raw))
	for key, path := range raw {
		n, err := strconv.Atoi(key)
		if err != nil || path == nil {
			continue
		}
		list = append(list, numbered{n: n, path: *path})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].n < list[j].n })

	urls := make([]string, 0, len(list))
	for _, item := range list {
		urls = append(urls, a.absolute(item.path))
	}
	return urls
}

func (a *Adapter) absolute(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return a.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (a *Adapter) toPosts(raw []posting) []domain.Post {
	posts := make([]domain.Post, 0, len(raw))
	for _, p := range raw {
		post := domain.Post{
			Provider:    domain.ProviderZonaProp,
			SourceID:    p.PostingID.String(),
			URL:         a.absolute(p.URL),
			Title:       p.Title,
			PublisherID: p.Publisher.PublisherID.String(),
			ModifiedAt:  providers.ParseTime(p.ModifiedDate),
		}
		if n := len(p.PriceOperationTypes); n > 0 {
			if prices := p.PriceOperationTypes[n-1].Prices; len(prices) > 0 {
				last := prices[len(prices)-1]
				post.Price = last.Amount.String()
				post.Currency = currencyFix.Replace(last.Currency)
			}
		}
		for _, pic := range p.VisiblePictures.Pictures {
			if pic.URL != "" {
				post.PictureURLs = append(post.PictureURLs, pic.URL)
			}
		}
		post.ContactPhone = p.Whatsapp
		if post.ContactPhone == "" {
			post.ContactPhone = p.WhatsApp
		}
		posts = append(posts, post)
	}
	return posts
}
