// Package upload posts encoded chunks to a remote collector.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"vassist/internal/application"
	"vassist/internal/domain"
	"vassist/internal/infra"
)

var _ application.ChunkSink = (*Client)(nil)

// Client sends each chunk as multipart form data: a "file" part holding the
// encoded audio plus "chunk_id", "duration" and "codec" fields.
type Client struct {
	url        string
	token      string
	codec      application.Codec
	httpClient *http.Client
	retry      infra.RetryConfig
	logger     *slog.Logger
}

func NewClient(url, token string, codec application.Codec, logger *slog.Logger) *Client {
	retry := infra.DefaultRetryConfig()
	retry.Retryable = infra.RetryableHTTP
	return &Client{
		url:        url,
		token:      token,
		codec:      codec,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      retry,
		logger:     logger,
	}
}

func (c *Client) Consume(ctx context.Context, chunk domain.Chunk) error {
	audio, err := c.codec.Encode(chunk.Buffers)
	if err != nil {
		return fmt.Errorf("encoding chunk %s: %w", chunk.ID, err)
	}

	err = infra.WithRetry(ctx, c.retry, func(ctx context.Context) error {
		return c.post(ctx, chunk, audio)
	})
	if err != nil {
		return fmt.Errorf("uploading chunk %s: %w", chunk.ID, err)
	}

	c.logger.Debug("chunk uploaded", "chunk", chunk.ID, "bytes", len(audio))
	return nil
}

func (c *Client) post(ctx context.Context, chunk domain.Chunk, audio []byte) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", chunk.ID+c.codec.Extension())
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err = part.Write(audio); err != nil {
		return fmt.Errorf("writing audio: %w", err)
	}

	fields := [][2]string{
		{"chunk_id", chunk.ID},
		{"duration", strconv.FormatFloat(chunk.TotalDuration, 'f', -1, 64)},
		{"codec", c.codec.Name()},
	}
	for _, f := range fields {
		if err = writer.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("writing %s field: %w", f[0], err)
		}
	}
	if err = writer.Close(); err != nil {
		return fmt.Errorf("closing writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return infra.Permanent(fmt.Errorf("creating request: %w", err))
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &infra.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}
