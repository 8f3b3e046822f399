package discord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	restBaseURL   = "https://discord.com/api/v10"
	restUserAgent = "DiscordBot (telebridge, 1.0)"
)

// REST is the minimal HTTP surface the bridge uses: posting messages to
// a text channel. One retry on server errors, nothing fancier.
type REST struct {
	token  string
	base   string
	client *http.Client
}

func NewREST(token string) *REST {
	return &REST{
		token:  token,
		base:   restBaseURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateMessage posts text into a channel.
func (r *REST) CreateMessage(channelID, content string) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/channels/%s/messages", r.base, channelID)
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+r.token)
		req.Header.Set("User-Agent", restUserAgent)
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("post message: %w", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 500 && attempt == 0 {
			continue
		}
		return fmt.Errorf("post message: discord answered %s", resp.Status)
	}
}
