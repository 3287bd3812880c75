package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const maxFetchBytes = 2 << 20

type fetcher struct {
	httpClient *http.Client
}

func newFetcher(timeout time.Duration) *fetcher {
	return &fetcher{httpClient: &http.Client{Timeout: timeout}}
}

func (r *Runner) runWebFetch(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	u, err := url.Parse(strings.TrimSpace(in.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: url must be http or https", ErrInvalidInput)
	}

	text, err := r.fetcher.fetch(ctx, u.String())
	if err != nil {
		return "", err
	}
	return limitOutput(text, r.config.MaxOutput), nil
}

// fetch GETs a page and converts HTML bodies to Markdown.
func (f *fetcher) fetch(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode)
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "html") {
		return string(body), nil
	}
	markdown, err := htmltomarkdown.ConvertString(string(body))
	if err != nil {
		return "", fmt.Errorf("failed to convert page: %w", err)
	}
	return markdown, nil
}
