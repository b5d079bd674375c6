package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/genrebot/internal/announce"
	"github.com/MikeSquared-Agency/genrebot/internal/store"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// Post sends text to the configured channel and returns the message ts.
func (p *Poster) Post(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"channel": p.channel,
		"text":    text,
	})
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.TS, nil
}

// Notify mirrors a status line to Slack with IRC colour codes removed.
func (p *Poster) Notify(ctx context.Context, line string) {
	text := strings.TrimSpace(announce.StripColors(line))
	if text == "" {
		return
	}
	if _, err := p.Post(ctx, "`"+text+"`"); err != nil {
		p.logger.Warn("slack mirror failed", "error", err)
	}
}

// PostStats posts a catalog completion summary.
func (p *Poster) PostStats(ctx context.Context, st store.Stats) error {
	ts, err := p.Post(ctx, formatStatsMessage(st))
	if err != nil {
		return err
	}
	p.logger.Info("posted catalog stats to slack", "ts", ts)
	return nil
}

func formatStatsMessage(st store.Stats) string {
	var sb strings.Builder
	sb.WriteString("*Catalog genre coverage*\n")
	fmt.Fprintf(&sb, "Total releases: %d\n", st.TotalReleases)
	fmt.Fprintf(&sb, "With genre: %d\n", st.WithGenre)
	fmt.Fprintf(&sb, "Without genre: %d\n", st.WithoutGenre)
	fmt.Fprintf(&sb, "Completion: %.2f%%", st.CompletionPercent)
	if st.TotalReleases == 0 {
		sb.WriteString("\n_Catalog is empty._")
	}
	return sb.String()
}
