package mercadolibre

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/infrastructure/providers"
	"ListingWatcher/internal/ports"
)

const (
	DefaultAPIBaseURL = "https://api.mercadolibre.com"
	DefaultMaxPages   = 10
	resultsPerPage    = 48
	apiMaxIDs         = 20
	mapViewMarker     = "_DisplayType_M"
	todayMarker       = "_PublishedToday_YES"
)

var (
	validSearchURL = regexp.MustCompile(`^https?://inmuebles\.mercadolibre\.com\.ar/[a-zA-Z0-9/_-]+`)
	emptyResults   = regexp.MustCompile(`"results":\s*\[\]`)
)

var _ ports.ProviderAdapter = (*Adapter)(nil)

// Options configure the adapter. Without an AccessToken posts are not enriched from the items API.
type Options struct {
	APIBaseURL  string
	AccessToken string
	MaxPages    int
	Fetcher     *providers.Fetcher
	Logger      *slog.Logger
}

// Adapter reads MercadoLibre Inmuebles search pages.
type Adapter struct {
	fetcher  *providers.Fetcher
	apiBase  string
	token    string
	maxPages int
	logger   *slog.Logger
}

func New(opts Options) *Adapter {
	apiBase := strings.TrimRight(opts.APIBaseURL, "/")
	if apiBase == "" {
		apiBase = DefaultAPIBaseURL
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
		apiBase:  apiBase,
		token:    opts.AccessToken,
		maxPages: maxPages,
		logger:   logger.With("provider", string(domain.ProviderMercadoLibre)),
	}
}

func (a *Adapter) Name() domain.Provider {
	return domain.ProviderMercadoLibre
}

func (a *Adapter) IsValidSearchURL(rawURL string) bool {
	return validSearchURL.MatchString(strings.TrimSpace(rawURL))
}

// CleanSearchURL drops query, fragment and the map view marker.
func (a *Adapter) CleanSearchURL(rawURL string) string {
	return strings.ReplaceAll(providers.CleanURL(rawURL), mapViewMarker, "")
}

func (a *Adapter) MaxResultsConsidered() int {
	return a.maxPages * resultsPerPage
}

// FetchLatest reads the search without the "published today" filter.
func (a *Adapter) FetchLatest(ctx context.Context, search domain.Search) ([]domain.Post, error) {
	pageURL := strings.ReplaceAll(a.CleanSearchURL(search.URL), todayMarker, "")
	total, posts, err := a.GetSearchResults(ctx, pageURL, a.maxPages)
	if err != nil {
		return nil, err
	}
	a.logger.Info("fetched latest results", "search_id", search.ID, "total", total, "posts", len(posts))
	return posts, nil
}

// GetSearchResults fetches the first page, then the remaining pages concurrently.
func (a *Adapter) GetSearchResults(ctx context.Context, rawURL string, maxPages int) (int, []domain.Post, error) {
	first, err := a.page(ctx, a.CleanSearchURL(rawURL))
	if err != nil {
		return 0, nil, err
	}

	if maxPages <= 0 || maxPages > a.maxPages {
		maxPages = a.maxPages
	}
	var rest []string
	for i, node := range first.Pagination.Nodes {
		if i == 0 || node.URL == "" {
			continue
		}
		if i >= maxPages {
			break
		}
		rest = append(rest, node.URL)
	}

	pages := make([]initialState, len(rest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, pageURL := range rest {
		i, pageURL := i, pageURL
		g.Go(func() error {
			state, err := a.page(gctx, pageURL)
			if err != nil {
				return fmt.Errorf("page %d: %w", i+2, err)
			}
			pages[i] = state
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	posts := toPosts(first.Results)
	for _, p := range pages {
		posts = append(posts, toPosts(p.Results)...)
	}
	a.logger.Debug("search results", "url", rawURL, "total", first.Pagination.ResultsLimit, "pages", len(rest)+1, "posts", len(posts))
	return first.Pagination.ResultsLimit, posts, nil
}

type pageState struct {
	PageState struct {
		InitialState initialState `json:"initialState"`
	} `json:"pageState"`
}

type initialState struct {
	Results    []result `json:"results"`
	Pagination struct {
		PageCount    int `json:"page_count"`
		ResultsLimit int `json:"results_limit"`
		Nodes        []struct {
			URL string `json:"url"`
		} `json:"pagination_nodes_url"`
	} `json:"pagination"`
	CanonicalInfo struct {
		Canonical string `json:"canonical"`
	} `json:"canonical_info"`
}

type result struct {
	ID        providers.FlexString `json:"id"`
	Permalink string               `json:"permalink"`
	Title     string               `json:"title"`
	SubTitle  string               `json:"sub_title"`
	Subtitles struct {
		ItemTitle string `json:"item_title"`
	} `json:"subtitles"`
	Price         json.RawMessage `json:"price"`
	CurrencyID    string          `json:"currency_id"`
	Pictures      json.RawMessage `json:"pictures"`
	SellerContact struct {
		Phone string `json:"phone"`
	} `json:"seller_contact"`
	LastUpdated string `json:"last_updated"`
	SellerInfo  struct {
		ID providers.FlexString `json:"id"`
	} `json:"seller_info"`
	SellerID providers.FlexString `json:"seller_id"`
}

func (a *Adapter) page(ctx context.Context, pageURL string) (initialState, error) {
	var state pageState
	doc, err := a.fetcher.Document(ctx, pageURL)
	if err != nil {
		return initialState{}, err
	}

	script := doc.Find("script#__PRELOADED_STATE__").First()
	if script.Length() == 0 {
		html, _ := doc.Html()
		if emptyResults.MatchString(html) {
			a.logger.Info("search page has no results", "url", pageURL)
			return initialState{}, nil
		}
		return initialState{}, fmt.Errorf("mercadolibre page %s has no preloaded state", pageURL)
	}
	if err := providers.DecodeObjectAt(script.Text(), "", &state); err != nil {
		return initialState{}, fmt.Errorf("mercadolibre page %s: %w", pageURL, err)
	}

	initial := state.PageState.InitialState
	if a.token != "" && len(initial.Results) > 0 {
		a.enrich(ctx, initial.Results)
	}
	return initial, nil
}

type apiItem struct {
	Code int    `json:"code"`
	Body result `json:"body"`
}

// enrich fills gaps in web results from the items API; failed batches are skipped.
func (a *Adapter) enrich(ctx context.Context, results []result) {
	items := make(map[string]result, len(results))
	for start := 0; start < len(results); start += apiMaxIDs {
		end := min(start+apiMaxIDs, len(results))
		ids := make([]string, 0, end-start)
		for _, r := range results[start:end] {
			ids = append(ids, r.ID.String())
		}

		var batch []apiItem
		endpoint := a.apiBase + "/items?ids=" + url.QueryEscape(strings.Join(ids, ","))
		headers := map[string]string{"Authorization": "Bearer " + a.token}
		if err := a.fetcher.JSON(ctx, endpoint, headers, &batch); err != nil {
			a.logger.Warn("items api enrichment failed, ignoring", "ids", ids, "error", err)
			continue
		}
		for _, item := range batch {
			if item.Code == 0 || item.Code == 200 {
				items[item.Body.ID.String()] = item.Body
			}
		}
	}

	for i := range results {
		api, ok := items[results[i].ID.String()]
		if !ok {
			a.logger.Debug("no items api data", "id", results[i].ID.String())
			continue
		}
		results[i] = merge(results[i], api)
	}
}

// merge keeps web values and fills the blanks from the API item.
func merge(web, api result) result {
	if web.Permalink == "" {
		web.Permalink = api.Permalink
	}
	if web.Title == "" {
		web.Title = api.Title
	}
	if len(web.Price) == 0 || string(web.Price) == "null" {
		web.Price = api.Price
	}
	if web.CurrencyID == "" {
		web.CurrencyID = api.CurrencyID
	}
	if len(pictureURLs(api.Pictures)) > len(pictureURLs(web.Pictures)) {
		web.Pictures = api.Pictures
	}
	if web.SellerContact.Phone == "" {
		web.SellerContact.Phone = api.SellerContact.Phone
	}
	if web.LastUpdated == "" {
		web.LastUpdated = api.LastUpdated
	}
	if web.SellerID == "" {
		web.SellerID = api.SellerID
	}
	return web
}

func toPosts(results []result) []domain.Post {
	posts := make([]domain.Post, 0, len(results))
	for _, r := range results {
		price, currency := priceOf(r)
		post := domain.Post{
			Provider:     domain.ProviderMercadoLibre,
			SourceID:     r.ID.String(),
			URL:          providers.CleanURL(r.Permalink),
			Title:        firstNonEmpty(r.SubTitle, r.Subtitles.ItemTitle, r.Title),
			Price:        price,
			Currency:     currency,
			PictureURLs:  pictureURLs(r.Pictures),
			ContactPhone: r.SellerContact.Phone,
			PublisherID:  firstNonEmpty(r.SellerInfo.ID.String(), r.SellerID.String()),
			ModifiedAt:   providers.ParseTime(r.LastUpdated),
		}
		posts = append(posts, post)
	}
	return posts
}

func priceOf(r result) (string, string) {
	raw := strings.TrimSpace(string(r.Price))
	if raw == "" || raw == "null" {
		return "", r.CurrencyID
	}
	if raw[0] == '{' {
		var nested struct {
			Amount     providers.FlexString `json:"amount"`
			CurrencyID string               `json:"currency_id"`
		}
		if err := json.Unmarshal(r.Price, &nested); err != nil {
			return "", r.CurrencyID
		}
		return nested.Amount.String(), firstNonEmpty(nested.CurrencyID, r.CurrencyID)
	}
	var amount providers.FlexString
	if err := json.Unmarshal(r.Price, &amount); err != nil {
		return "", r.CurrencyID
	}
	return amount.String(), r.CurrencyID
}

// pictureURLs reads either the API picture list or the single grid picture embedded in the page.
func pictureURLs(raw json.RawMessage) []string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	var urls []string
	if trimmed[0] == '[' {
		var list []struct {
			SecureURL string `json:"secure_url"`
			URL       string `json:"url"`
		}
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil
		}
		for _, pic := range list {
			if u := firstNonEmpty(pic.SecureURL, pic.URL); u != "" {
				urls = append(urls, u)
			}
		}
		return urls
	}
	var grid struct {
		Grid struct {
			Retina string `json:"retina"`
		} `json:"grid"`
	}
	if err := json.Unmarshal(raw, &grid); err == nil && grid.Grid.Retina != "" {
		urls = append(urls, grid.Grid.Retina)
	}
	return urls
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
