// Package media turns uploaded files into the media references stored on
// banners: the canonical URL from the upload endpoint, or an inline data URI
// when no upload endpoint can be reached.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/surrealdb/surrealshop/internal/logger"
	"github.com/surrealdb/surrealshop/pkg/models"
)

var ErrUpload = errors.New("media upload failed")

// Upload is the upload endpoint's answer.
type Upload struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	MIME   string `json:"mime"`
	Hash   string `json:"hash"`
}

type Uploader interface {
	Upload(ctx context.Context, name, mimeType string, data []byte) (Upload, error)
}

// Client posts files to an upload endpoint as multipart/form-data under the
// "file" field.
type Client struct {
	// URL is the upload endpoint.
	URL  string
	HTTP *http.Client
}

func NewClient(url string) *Client {
	return &Client{
		URL:  url,
		HTTP: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Upload(ctx context.Context, name, mimeType string, data []byte) (Upload, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return Upload{}, err
	}
	if _, err := part.Write(data); err != nil {
		return Upload{}, err
	}
	if err := w.Close(); err != nil {
		return Upload{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, &body)
	if err != nil {
		return Upload{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Upload{}, fmt.Errorf("%w: %s: %v", ErrUpload, name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Upload{}, fmt.Errorf("%w: %s: %v", ErrUpload, name, err)
	}
	if resp.StatusCode/100 != 2 {
		return Upload{}, fmt.Errorf("%w: %s: %s: %s", ErrUpload, name, resp.Status, strings.TrimSpace(string(raw)))
	}

	var up Upload
	if err := json.Unmarshal(raw, &up); err != nil {
		return Upload{}, fmt.Errorf("%w: %s: decode response: %v", ErrUpload, name, err)
	}
	if up.URL == "" {
		return Upload{}, fmt.Errorf("%w: %s: response has no url", ErrUpload, name)
	}
	if up.MIME == "" {
		up.MIME = mimeType
	}
	if up.Hash == "" {
		up.Hash = Hash(data)
	}
	return up, nil
}

// Hash is the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Resolved is a media reference ready to be stored on an entity.
type Resolved struct {
	Ref    string
	Kind   models.MediaKind
	Width  int
	Height int
	// Inline is set when Ref is a data URI.
	Inline bool
}

// Resolve uploads data and returns the canonical URL. Without an uploader, or
// when the upload fails, the data is inlined as a data URI instead.
func Resolve(ctx context.Context, u Uploader, name, mimeType string, data []byte, log logger.Logger) Resolved {
	if u != nil {
		up, err := u.Upload(ctx, name, mimeType, data)
		if err == nil {
			return Resolved{
				Ref:    up.URL,
				Kind:   KindOf(up.MIME),
				Width:  up.Width,
				Height: up.Height,
			}
		}
		logger.OrNop(log).Warn("media upload unavailable, inlining payload", "name", name, "bytes", len(data), "error", err)
	}
	return Resolved{
		Ref:    DataURI(mimeType, data),
		Kind:   KindOf(mimeType),
		Inline: true,
	}
}

func DataURI(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURI decodes a base64 data URI.
func ParseDataURI(uri string) (mimeType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data uri")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data uri has no payload")
	}
	mimeType, ok = strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("data uri is not base64")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("data uri payload: %w", err)
	}
	return mimeType, data, nil
}

// KindOf maps a MIME type to the banner media kind.
func KindOf(mimeType string) models.MediaKind {
	switch {
	case mimeType == "image/gif":
		return models.MediaGIF
	case strings.HasPrefix(mimeType, "video/"):
		return models.MediaVideo
	default:
		return models.MediaImage
	}
}
