// Package gateway is the client for the upstream wiki action API: raw
// section content, rendered previews, and save submission.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrMissingPage = errors.New("gateway: page does not exist")

type Client struct {
	apiURL string
	http   *http.Client

	mu        sync.Mutex
	csrfToken string
}

func New(apiURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiURL: apiURL,
		http:   &http.Client{Timeout: timeout},
	}
}

type apiResponse struct {
	Error *apiError    `json:"error"`
	Query *queryResult `json:"query"`
	Parse *parseResult `json:"parse"`
	Edit  *editResult  `json:"edit"`
}

type apiError struct {
	Code        string           `json:"code"`
	Info        string           `json:"info"`
	AbuseFilter *abuseFilterInfo `json:"abusefilter"`
}

type abuseFilterInfo struct {
	ID          int      `json:"id"`
	Description string   `json:"description"`
	Actions     []string `json:"actions"`
}

type queryResult struct {
	Tokens *struct {
		CSRFToken string `json:"csrftoken"`
	} `json:"tokens"`
	Pages []struct {
		Missing   bool `json:"missing"`
		Revisions []struct {
			Slots struct {
				Main struct {
					Content string `json:"content"`
				} `json:"main"`
			} `json:"slots"`
		} `json:"revisions"`
	} `json:"pages"`
}

type parseResult struct {
	Text     string `json:"text"`
	Sections []struct {
		Line string `json:"line"`
	} `json:"sections"`
}

type editResult struct {
	Result        string `json:"result"`
	NewRevisionID int64  `json:"newrevid"`
	Captcha       *struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	} `json:"captcha"`
}

// FetchContent retrieves the raw wikitext of a section (or whole page when
// Section is nil). A missing page is an error unless the request is for a
// page that does not exist yet.
func (c *Client) FetchContent(ctx context.Context, req ContentRequest) (string, error) {
	params := url.Values{
		"action":  {"query"},
		"prop":    {"revisions"},
		"rvprop":  {"content"},
		"rvslots": {"main"},
		"titles":  {req.Title},
	}
	if req.Section != nil {
		params.Set("rvsection", strconv.Itoa(*req.Section))
	}
	if req.Revision != 0 {
		params.Set("rvstartid", strconv.FormatInt(req.Revision, 10))
		params.Set("rvlimit", "1")
	}

	resp, err := c.get(ctx, params)
	if err != nil {
		return "", fmt.Errorf("fetch content: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("fetch content: %s: %s", resp.Error.Code, resp.Error.Info)
	}
	if resp.Query == nil || len(resp.Query.Pages) == 0 {
		return "", fmt.Errorf("fetch content: empty query response")
	}

	page := resp.Query.Pages[0]
	if page.Missing {
		if req.IsNewPage {
			return "", nil
		}
		return "", ErrMissingPage
	}
	if len(page.Revisions) == 0 {
		return "", fmt.Errorf("fetch content: no revisions for %q", req.Title)
	}
	return page.Revisions[0].Slots.Main.Content, nil
}

// FetchPreview renders the given text server-side and returns the rendered
// body plus the rendered heading of the previewed section.
func (c *Client) FetchPreview(ctx context.Context, req PreviewRequest) (Preview, error) {
	params := url.Values{
		"action":         {"parse"},
		"title":          {req.Title},
		"text":           {req.Text},
		"prop":           {"text|sections"},
		"pst":            {"1"},
		"sectionpreview": {"1"},
		"mobileformat":   {"1"},
	}
	if req.IsMainPage {
		// Presence flag: must be omitted entirely when false.
		params.Set("mainpage", "1")
	}

	resp, err := c.post(ctx, params)
	if err != nil {
		return Preview{}, fmt.Errorf("fetch preview: %w", err)
	}
	if resp.Error != nil {
		return Preview{}, fmt.Errorf("fetch preview: %s: %s", resp.Error.Code, resp.Error.Info)
	}
	if resp.Parse == nil {
		return Preview{}, fmt.Errorf("fetch preview: empty parse response")
	}

	preview := Preview{Body: resp.Parse.Text}
	if len(resp.Parse.Sections) > 0 {
		preview.SectionLine = resp.Parse.Sections[0].Line
	}
	return preview, nil
}

// SubmitSave submits an edit. A rejected save is returned as *SaveFailure so
// the caller can classify it; any other error is a transport or protocol
// problem. A stale CSRF token is refreshed and retried once.
func (c *Client) SubmitSave(ctx context.Context, req SaveRequest) (SaveResult, error) {
	result, err := c.trySave(ctx, req)
	var failure *SaveFailure
	if errors.As(err, &failure) && failure.Code == "badtoken" {
		c.invalidateToken()
		result, err = c.trySave(ctx, req)
	}
	return result, err
}

func (c *Client) trySave(ctx context.Context, req SaveRequest) (SaveResult, error) {
	token, err := c.token(ctx)
	if err != nil {
		return SaveResult{}, fmt.Errorf("submit save: %w", err)
	}

	params := url.Values{
		"action":  {"edit"},
		"title":   {req.Title},
		"text":    {req.Text},
		"summary": {req.Summary},
		"token":   {token},
	}
	if req.Section != nil {
		params.Set("section", strconv.Itoa(*req.Section))
	}
	if req.BaseRevisionID != 0 {
		params.Set("baserevid", strconv.FormatInt(req.BaseRevisionID, 10))
	}
	if req.CaptchaID != "" {
		params.Set("captchaid", req.CaptchaID)
		params.Set("captchaword", req.CaptchaWord)
	}
	if req.IsMainPage {
		params.Set("mainpage", "1")
	}

	resp, err := c.post(ctx, params)
	if err != nil {
		return SaveResult{}, fmt.Errorf("submit save: %w", err)
	}

	if resp.Error != nil {
		failure := &SaveFailure{Code: resp.Error.Code, Info: resp.Error.Info}
		if filter := resp.Error.AbuseFilter; filter != nil {
			failure.AbuseFilter = &FilterHit{
				Severity: filterSeverity(filter.Actions),
				Message:  filter.Description,
			}
		}
		return SaveResult{}, failure
	}
	if resp.Edit == nil {
		return SaveResult{}, fmt.Errorf("submit save: empty edit response")
	}
	if resp.Edit.Result != "Success" {
		failure := &SaveFailure{Code: strings.ToLower(resp.Edit.Result)}
		if resp.Edit.Captcha != nil {
			failure.Captcha = &CaptchaChallenge{
				ID:  resp.Edit.Captcha.ID,
				URL: resp.Edit.Captcha.URL,
			}
		}
		return SaveResult{}, failure
	}

	return SaveResult{NewRevisionID: resp.Edit.NewRevisionID}, nil
}

func filterSeverity(actions []string) string {
	for _, action := range actions {
		if action == "disallow" {
			return "disallow"
		}
	}
	return "warning"
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.csrfToken
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	params := url.Values{
		"action": {"query"},
		"meta":   {"tokens"},
		"type":   {"csrf"},
	}
	resp, err := c.get(ctx, params)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("fetch token: %s: %s", resp.Error.Code, resp.Error.Info)
	}
	if resp.Query == nil || resp.Query.Tokens == nil || resp.Query.Tokens.CSRFToken == "" {
		return "", fmt.Errorf("fetch token: empty token response")
	}

	c.mu.Lock()
	c.csrfToken = resp.Query.Tokens.CSRFToken
	c.mu.Unlock()
	return resp.Query.Tokens.CSRFToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.csrfToken = ""
	c.mu.Unlock()
}

func (c *Client) get(ctx context.Context, params url.Values) (*apiResponse, error) {
	c.defaults(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, params url.Values) (*apiResponse, error) {
	c.defaults(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) defaults(params url.Values) {
	params.Set("format", "json")
	params.Set("formatversion", "2")
}

func (c *Client) do(req *http.Request) (*apiResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &parsed, nil
}
