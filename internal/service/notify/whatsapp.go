package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WhatsAppNotifier posts to the WhatsApp Cloud API messages endpoint.
type WhatsAppNotifier struct {
	apiURL string
	token  string
	to     string
	client *http.Client
}

func NewWhatsAppNotifier(apiURL, token, to string, timeout time.Duration) (*WhatsAppNotifier, error) {
	if apiURL == "" || token == "" {
		return nil, fmt.Errorf("WhatsApp API URL and access token are required")
	}
	if to == "" {
		return nil, fmt.Errorf("no recipient number configured")
	}
	return &WhatsAppNotifier{
		apiURL: apiURL,
		token:  token,
		to:     to,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (n *WhatsAppNotifier) Name() string { return "whatsapp" }

type whatsAppText struct {
	Body string `json:"body"`
}

type whatsAppImage struct {
	Link    string `json:"link"`
	Caption string `json:"caption"`
}

type whatsAppPayload struct {
	MessagingProduct string         `json:"messaging_product"`
	To               string         `json:"to"`
	Type             string         `json:"type"`
	Text             *whatsAppText  `json:"text,omitempty"`
	Image            *whatsAppImage `json:"image,omitempty"`
}

func (n *WhatsAppNotifier) payload(msg Message) whatsAppPayload {
	p := whatsAppPayload{MessagingProduct: "whatsapp", To: n.to}
	if msg.ImageURL != "" {
		p.Type = "image"
		p.Image = &whatsAppImage{Link: msg.ImageURL, Caption: msg.Body}
	} else {
		p.Type = "text"
		p.Text = &whatsAppText{Body: msg.Body}
	}
	return p
}

func (n *WhatsAppNotifier) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(n.payload(msg))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+n.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send WhatsApp message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("WhatsApp API returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}
