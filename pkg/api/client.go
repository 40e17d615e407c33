// Package api is the REST client for the Bloom backend: conversation
// start/message/complete, standalone transcription, audio resource fetch
// and child record creation.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	BaseURL    string // e.g. https://api.bloom.example/api
	Token      string // bearer token, optional for anonymous endpoints
	HTTPClient *http.Client
}

type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api: base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("api: parse base URL: %w", err)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = newDefaultHTTPClient()
	}

	return &Client{base: base, token: cfg.Token, http: hc}, nil
}

// newDefaultHTTPClient sets transport-level timeouts; the overall request
// lifetime stays under the caller's context.
func newDefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}
}

// StartConversation opens a new AI conversation of the given type.
// childID is required for chat and birth conversations.
func (c *Client) StartConversation(ctx context.Context, typ ConversationType, childID string) (*StartResult, error) {
	body := map[string]any{"conversation_type": string(typ)}
	if childID != "" {
		body["child_id"] = childID
	}

	var out StartResult
	if err := c.postJSON(ctx, "ai/conversation/start/", body, &out); err != nil {
		return nil, err
	}
	log.Debug("conversation started", "id", out.ConversationID, "type", typ)
	return &out, nil
}

// SendText sends one user text turn and returns both stored messages.
func (c *Client) SendText(ctx context.Context, conversationID, text string) (*SendResult, error) {
	fields := map[string]string{
		"conversation_id": conversationID,
		"text":            text,
	}
	return c.sendMessage(ctx, fields, nil, "")
}

// SendAudio sends one recorded user turn. ext tags the container ("ogg" or
// "wav") so the transcription service can interpret the attachment.
func (c *Client) SendAudio(ctx context.Context, conversationID string, audio []byte, ext string) (*SendResult, error) {
	if len(audio) == 0 {
		return nil, errors.New("api: empty audio attachment")
	}
	fields := map[string]string{"conversation_id": conversationID}
	return c.sendMessage(ctx, fields, audio, ext)
}

func (c *Client) sendMessage(ctx context.Context, fields map[string]string, audio []byte, ext string) (*SendResult, error) {
	var out SendResult
	if err := c.postMultipart(ctx, "ai/conversation/message/", fields, audio, ext, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteConversation finalizes a conversation server-side.
func (c *Client) CompleteConversation(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("ai/conversation/%s/complete/", url.PathEscape(conversationID))
	return c.postJSON(ctx, path, map[string]any{}, nil)
}

// Transcribe converts an audio attachment to text outside any conversation.
func (c *Client) Transcribe(ctx context.Context, audio []byte, ext string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	if err := c.postMultipart(ctx, "ai/transcribe/", nil, audio, ext, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// CreateChild creates the durable child/pregnancy record from a
// conversation's structured result. The payload is passed through verbatim.
func (c *Client) CreateChild(ctx context.Context, record map[string]any) (*Child, error) {
	var out Child
	if err := c.postJSON(ctx, "children/", record, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchAudio downloads an agent audio resource. Relative URLs (the backend
// serves /media/... paths) are resolved against the API host. The returned
// extension tag is taken from the resource path.
func (c *Client) FetchAudio(ctx context.Context, resource string) ([]byte, string, error) {
	ref, err := url.Parse(resource)
	if err != nil {
		return nil, "", fmt.Errorf("api: parse audio URL: %w", err)
	}
	full := c.base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full.String(), nil)
	if err != nil {
		return nil, "", err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", &Error{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &Error{Status: resp.StatusCode, Message: "audio fetch failed"}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &Error{Message: err.Error()}
	}

	ext := ""
	if i := strings.LastIndexByte(full.Path, '.'); i >= 0 {
		ext = full.Path[i+1:]
	}
	return data, ext, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("api: marshal request: %w", err)
	}
	return c.post(ctx, path, "application/json", bytes.NewReader(payload), out)
}

func (c *Client) postMultipart(ctx context.Context, path string, fields map[string]string, audio []byte, ext string, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("api: write field %s: %w", k, err)
		}
	}
	if audio != nil {
		name := "recording." + strings.TrimPrefix(ext, ".")
		fw, err := mw.CreateFormFile("audio", name)
		if err != nil {
			return fmt.Errorf("api: create audio part: %w", err)
		}
		if _, err := fw.Write(audio); err != nil {
			return fmt.Errorf("api: write audio part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("api: close multipart: %w", err)
	}

	return c.post(ctx, path, mw.FormDataContentType(), &buf, out)
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader, out any) error {
	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("api: parse path: %w", err)
	}
	full := c.base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, full.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req)

	log.Debug("api request", "path", path)

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Status: resp.StatusCode, Message: err.Error()}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Status: resp.StatusCode, Message: "malformed response"}
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "request failed"
		}
		return &Error{Status: resp.StatusCode, Message: msg}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &Error{Status: resp.StatusCode, Message: fmt.Sprintf("decode data: %v", err)}
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
