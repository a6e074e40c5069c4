package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"nps-dashboard-server/config"
	"nps-dashboard-server/logger"
	"nps-dashboard-server/models"
)

// DataSource returns the raw feedback rows created within [start, end].
type DataSource interface {
	Fetch(ctx context.Context, start, end time.Time) ([]models.RawFeedback, error)
}

// upstreamDateLayout is the date format the /nps endpoint expects.
const upstreamDateLayout = "2006-01-02"

// maxPages guards against a server that keeps reporting more pages.
const maxPages = 1000

// HTTPSource reads GET /nps from the call-center REST API.
type HTTPSource struct {
	baseURL string
	token   string
	perPage int
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Logger
}

// NewHTTPSource builds a client from the upstream configuration.
func NewHTTPSource(cfg config.UpstreamConfig, log *logger.Logger) *HTTPSource {
	perPage := cfg.PerPage
	if perPage <= 0 {
		perPage = 10000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		perPage: perPage,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With("service", "HTTPSource"),
	}
}

type npsPage struct {
	Data []models.RawFeedback `json:"data"`
	Meta struct {
		Pagination struct {
			CurrentPage int `json:"current_page"`
			TotalPages  int `json:"total_pages"`
		} `json:"pagination"`
	} `json:"meta"`
}

// Fetch requests page after page until the API reports no more pages.
// A response without pagination metadata is a single page.
func (s *HTTPSource) Fetch(ctx context.Context, start, end time.Time) ([]models.RawFeedback, error) {
	var rows []models.RawFeedback
	for page := 1; page <= maxPages; page++ {
		p, err := s.fetchPage(ctx, start, end, page)
		if err != nil {
			return nil, err
		}
		rows = append(rows, p.Data...)

		total := p.Meta.Pagination.TotalPages
		if total <= page || len(p.Data) == 0 {
			break
		}
	}
	s.log.Debug("fetched feedback window", "start", start.Format(upstreamDateLayout), "end", end.Format(upstreamDateLayout), "rows", len(rows))
	return rows, nil
}

func (s *HTTPSource) fetchPage(ctx context.Context, start, end time.Time, page int) (*npsPage, error) {
	const op = "fetch nps"

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Op: op, Err: err}
	}

	q := url.Values{}
	q.Set("start_date", start.Format(upstreamDateLayout))
	q.Set("end_date", end.Format(upstreamDateLayout))
	q.Set("per_page", strconv.Itoa(s.perPage))
	q.Set("page", strconv.Itoa(page))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/nps?"+q.Encode(), nil)
	if err != nil {
		return nil, &FetchError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &FetchError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.log.Warn("upstream returned an error", "status", resp.StatusCode, "page", page, "body", string(body))
		return nil, &FetchError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var p npsPage
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, &FetchError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &p, nil
}
