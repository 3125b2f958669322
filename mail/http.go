package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/stratacms/strata/common"
)

// HTTPConfig configures the HTTP-API driver. The payload shape follows the
// common transactional-mail APIs: one JSON document per message, basic auth.
type HTTPConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// From is the default sender when a message carries none.
	From string `mapstructure:"from"`
}

// HTTPMailer posts messages to an HTTP mail API.
type HTTPMailer struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPMailer(cfg HTTPConfig) (*HTTPMailer, error) {
	if cfg.URL == "" {
		return nil, common.E(common.KindBadRequest, "mail api url is required")
	}
	return &HTTPMailer{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (m *HTTPMailer) Send(ctx context.Context, msg *Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	from := msg.From
	if from == "" {
		from = m.cfg.From
	}
	body, err := json.Marshal(map[string]any{
		"to":      msg.To,
		"from":    from,
		"subject": msg.Subject,
		"html":    msg.HTML,
		"text":    msg.Text,
	})
	if err != nil {
		return common.Internalf(err, "mail payload serialisation failed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return common.Internalf(err, "mail request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if m.cfg.Username != "" {
		req.SetBasicAuth(m.cfg.Username, m.cfg.Password)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return common.Internalf(err, "mail delivery failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return common.E(common.KindInternal, "mail api returned %d: %s", resp.StatusCode, detail)
	}
	common.Logger.WithField("to", msg.To).WithField("subject", msg.Subject).Info("mail sent")
	return nil
}
