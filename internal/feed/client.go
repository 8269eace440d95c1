package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sdko-org/linkproxy/internal/config"
	"github.com/sdko-org/linkproxy/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrUpstreamStatus is returned when the wall endpoint answers with a non-200 status.
var ErrUpstreamStatus = errors.New("unexpected upstream status")

var serverLinkPattern = regexp.MustCompile(`(?i)https://www\.roblox\.com/share\?code=[a-f0-9]+&type=Server`)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/142.0.0.0 Safari/537.36 Edg/142.0.0.0"

type Post struct {
	Body    string `json:"body"`
	Created string `json:"created"`
}

type Page struct {
	Data           []Post `json:"data"`
	NextPageCursor string `json:"nextPageCursor"`
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	groupID    string
	cookie     string
	log        *logrus.Entry
}

type loggingTransport struct {
	log  *logrus.Entry
	next http.RoundTripper
}

func NewClient(logger *logrus.Logger, cfg *config.Config) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.UpstreamTimeout,
			Transport: &loggingTransport{
				log:  logger.WithField("component", "feed_transport"),
				next: http.DefaultTransport,
			},
		},
		baseURL: strings.TrimRight(cfg.FeedBaseURL, "/"),
		groupID: cfg.GroupID,
		cookie:  cfg.FeedCookie,
		log:     logger.WithField("component", "feed_client"),
	}
}

func (c *Client) pageURL(cursor string) string {
	params := url.Values{}
	params.Set("sortOrder", "Desc")
	params.Set("limit", "100")
	params.Set("cursor", cursor)
	return fmt.Sprintf("%s/v2/groups/%s/wall/posts?%s", c.baseURL, url.PathEscape(c.groupID), params.Encode())
}

func (c *Client) setHeaders(req *http.Request) {
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", "https://www.roblox.com")
	req.Header.Set("Referer", "https://www.roblox.com/")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-site")
	req.Header.Set("User-Agent", browserUserAgent)
}

// FetchPage loads one page of wall posts starting at cursor ("" for the newest page).
func (c *Client) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(cursor), nil)
	if err != nil {
		return nil, fmt.Errorf("build wall request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wall request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.WithField("status_code", resp.StatusCode).Warn("Wall request rejected")
		return nil, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode wall page: %w", err)
	}
	return &page, nil
}

// FetchLinks walks up to maxPages pages and returns every share link in post order.
func (c *Client) FetchLinks(ctx context.Context, maxPages int) ([]models.Link, error) {
	start := time.Now()
	if maxPages < 1 {
		maxPages = 1
	}

	links := make([]models.Link, 0)
	cursor := ""
	pages := 0
	for pages < maxPages {
		page, err := c.FetchPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		pages++
		links = append(links, ExtractLinks(page.Data, pages)...)

		if page.NextPageCursor == "" {
			break
		}
		cursor = page.NextPageCursor
	}

	c.log.WithFields(logrus.Fields{
		"pages":    pages,
		"links":    len(links),
		"duration": time.Since(start),
	}).Debug("Fetched wall posts")
	return links, nil
}

// ExtractLinks pulls every share link out of the post bodies, tagging them with page.
func ExtractLinks(posts []Post, page int) []models.Link {
	var out []models.Link
	for _, post := range posts {
		for _, link := range serverLinkPattern.FindAllString(post.Body, -1) {
			out = append(out, models.Link{
				Link:      link,
				Timestamp: post.Created,
				Page:      page,
			})
		}
	}
	return out
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	log := t.log.WithFields(logrus.Fields{
		"method": req.Method,
		"path":   req.URL.Path,
	})

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		log.WithError(err).Error("HTTP request failed")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"status_code": resp.StatusCode,
		"duration":    time.Since(start),
	}).Debug("HTTP request completed")
	return resp, nil
}
