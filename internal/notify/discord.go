package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// discordMaxContent is Discord's message length limit.
const discordMaxContent = 2000

// FormatLines renders one alert line per session, prefixed by mention when
// it is non-empty.
func FormatLines(n Notification, mention string) []string {
	lines := make([]string, 0, len(n.Sessions))
	for _, s := range n.Sessions {
		title := s.CourseTitle
		if title == "" {
			title = n.Course.Title
		}
		line := fmt.Sprintf("🏐 %s on 📅 %s %s at 🕙 %s: %d available !!", title, s.Day, s.Datetime, s.Hour, s.SpotCount)
		if s.Room != "" {
			line += " (" + s.Room + ")"
		}
		if mention != "" {
			line = mention + " " + line
		}
		lines = append(lines, line)
	}
	return lines
}

// DiscordWebhook posts notifications to a Discord channel webhook.
type DiscordWebhook struct {
	url     string
	mention string
	client  *http.Client
}

func NewDiscordWebhook(webhookURL, mention string) *DiscordWebhook {
	return &DiscordWebhook{
		url:     webhookURL,
		mention: mention,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type discordMessage struct {
	Content string `json:"content"`
}

// Notify sends the formatted lines, split into as many messages as the
// Discord length limit requires.
func (d *DiscordWebhook) Notify(ctx context.Context, n Notification) error {
	if len(n.Sessions) == 0 {
		return nil
	}
	for _, content := range chunkLines(FormatLines(n, d.mention), discordMaxContent) {
		if err := d.post(ctx, content); err != nil {
			return err
		}
	}
	return nil
}

func (d *DiscordWebhook) post(ctx context.Context, content string) error {
	body, err := json.Marshal(discordMessage{Content: content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// chunkLines joins lines with newlines into chunks no longer than limit
// bytes. A single line longer than limit is truncated on a rune boundary.
func chunkLines(lines []string, limit int) []string {
	var chunks []string
	var b strings.Builder
	for _, line := range lines {
		if len(line) > limit {
			cut := limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			line = line[:cut]
		}
		if b.Len() > 0 && b.Len()+1+len(line) > limit {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
