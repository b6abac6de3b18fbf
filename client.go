package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ============================================================================
// REST client
// ============================================================================

const (
	DefaultBaseURL = "https://chat.example.com"
	DefaultTimeout = 30 * time.Second

	// MaxAttachmentSize is the largest file the client will upload.
	MaxAttachmentSize = 100 * 1024 * 1024
)

// Client talks to the chat REST API. It implements ChannelAPI, MessageAPI
// and AttachmentUploader.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

var (
	_ ChannelAPI         = (*Client)(nil)
	_ MessageAPI         = (*Client)(nil)
	_ AttachmentUploader = (*Client)(nil)
)

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client authenticated with token. An empty token sends
// no Authorization header.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// ── Wire shapes ─────────────────────────────────────────────

// ChannelResponse is one channel as returned by the query endpoints.
type ChannelResponse struct {
	Channel      Channel           `json:"channel"`
	Messages     []Message         `json:"messages,omitempty"`
	Members      []Member          `json:"members,omitempty"`
	Read         []ChannelUserRead `json:"read,omitempty"`
	WatcherCount int               `json:"watcher_count,omitempty"`
}

// ToChannel folds the response's lists into the channel.
func (r ChannelResponse) ToChannel() Channel {
	c := r.Channel
	if c.CID == "" && c.Type != "" && c.ID != "" {
		c.CID = CID(c.Type, c.ID)
	}
	if len(r.Messages) > 0 {
		c.Messages = r.Messages
	}
	if len(r.Members) > 0 {
		c.Members = r.Members
	}
	if len(r.Read) > 0 {
		c.Read = r.Read
	}
	for i := range c.Messages {
		if c.Messages[i].CID == "" {
			c.Messages[i].CID = c.CID
		}
		c.Messages[i].SyncStatus = SyncStatusCompleted
	}
	c.SyncStatus = SyncStatusCompleted
	return c
}

type queryChannelsResponse struct {
	Channels []ChannelResponse `json:"channels"`
}

type messageResponse struct {
	Message Message `json:"message"`
}

type uploadResponse struct {
	File     string `json:"file"`
	ThumbURL string `json:"thumb_url,omitempty"`
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)
	return c.send(req)
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func channelPath(channelType, channelID string) string {
	return "/channels/" + url.PathEscape(channelType) + "/" + url.PathEscape(channelID)
}

// ============================================================================
// Channels
// ============================================================================

// QueryChannels fetches one page of channels matching req.
func (c *Client) QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]Channel, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/channels", req, nil)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	res, err := decodeJSON[queryChannelsResponse](data)
	if err != nil {
		return nil, err
	}
	out := make([]Channel, 0, len(res.Channels))
	for _, ch := range res.Channels {
		out = append(out, ch.ToChannel())
	}
	return out, nil
}

// QueryChannel fetches the state of a single channel.
func (c *Client) QueryChannel(ctx context.Context, channelType, channelID string) (Channel, error) {
	payload := map[string]interface{}{"state": true}
	data, err := c.doRequest(ctx, http.MethodPost, channelPath(channelType, channelID)+"/query", payload, nil)
	if err != nil {
		return Channel{}, fmt.Errorf("query channel %s: %w", CID(channelType, channelID), err)
	}
	res, err := decodeJSON[ChannelResponse](data)
	if err != nil {
		return Channel{}, err
	}
	return res.ToChannel(), nil
}

// ============================================================================
// Messages
// ============================================================================

// SendMessage posts msg to the channel and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, channelType, channelID string, msg Message) (Message, error) {
	payload := map[string]interface{}{"message": msg}
	data, err := c.doRequest(ctx, http.MethodPost, channelPath(channelType, channelID)+"/message", payload, nil)
	if err != nil {
		return Message{}, fmt.Errorf("send message %s: %w", msg.ID, err)
	}
	res, err := decodeJSON[messageResponse](data)
	if err != nil {
		return Message{}, err
	}
	if res.Message.CID == "" {
		res.Message.CID = CID(channelType, channelID)
	}
	return res.Message, nil
}

// ============================================================================
// Attachments
// ============================================================================

// UploadAttachment uploads the file at att.LocalPath to the channel's file or
// image endpoint and returns att with its remote URL set.
func (c *Client) UploadAttachment(ctx context.Context, channelType, channelID string, att Attachment, progress UploadProgress) (Attachment, error) {
	if att.LocalPath == "" {
		return att, fmt.Errorf("upload attachment: no local path")
	}
	data, err := os.ReadFile(att.LocalPath)
	if err != nil {
		return att, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > MaxAttachmentSize {
		return att, fmt.Errorf("file exceeds maximum size of %d MB", MaxAttachmentSize/(1024*1024))
	}

	fileName := att.Name
	if fileName == "" {
		fileName = filepath.Base(att.LocalPath)
	}
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(fileName)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return att, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return att, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	endpoint := "/file"
	isImage := strings.HasPrefix(mimeType, "image/")
	if isImage {
		endpoint = "/image"
	}

	body := &progressReader{r: &buf, total: int64(buf.Len()), fileSize: int64(len(data)), progress: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+channelPath(channelType, channelID)+endpoint, body)
	if err != nil {
		return att, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.ContentLength = body.total
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeaders(req)

	resp, err := c.send(req)
	if err != nil {
		return att, fmt.Errorf("upload failed: %w", err)
	}
	res, err := decodeJSON[uploadResponse](resp)
	if err != nil {
		return att, err
	}

	out := att
	out.Name = fileName
	out.MimeType = mimeType
	out.FileSize = int64(len(data))
	if isImage {
		out.Type = "image"
		out.ImageURL = res.File
	} else {
		if out.Type == "" {
			out.Type = "file"
		}
		out.AssetURL = res.File
	}
	if res.ThumbURL != "" {
		if out.Extra == nil {
			out.Extra = map[string]any{}
		}
		out.Extra["thumb_url"] = res.ThumbURL
	}
	return out, nil
}

// progressReader reports upload progress scaled to the file size rather than
// the multipart body size.
type progressReader struct {
	r        io.Reader
	total    int64
	fileSize int64
	read     int64
	progress UploadProgress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.progress != nil && p.total > 0 {
		p.read += int64(n)
		p.progress(p.read*p.fileSize/p.total, p.fileSize)
	}
	return n, err
}

func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Not in Go's builtin registry on every platform.
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
