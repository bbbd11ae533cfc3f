// Package fetch retrieves transcoding inputs and stores them on local disk.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/config"
)

// ChunkSize is the size of the buffer WriteChunks copies through.
const ChunkSize = 32 * 1024

var (
	ErrTransport   = errors.New("failed to fetch resource")
	ErrStatus      = errors.New("unexpected response status")
	ErrPayload     = errors.New("payload error")
	ErrWrite       = errors.New("failed to write resource")
	ErrTooLarge    = errors.New("input exceeds size limit")
	ErrUnsupported = errors.New("unsupported input")
)

type Client struct {
	http    *http.Client
	maxSize int64
}

// New returns a client using hc. A maxSize of zero disables the limit.
func New(hc *http.Client, maxSize int64) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{http: hc, maxSize: maxSize}
}

func NewFromConfig(cfg *config.Config) *Client {
	return New(&http.Client{Timeout: cfg.FetchTimeout}, cfg.MaxInputSize)
}

// Get requests uri and returns the response body. The caller closes it.
func (c *Client) Get(ctx context.Context, uri string) (io.ReadCloser, error) {
	log.Printf("Getting sources from: %s", uri)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	return resp.Body, nil
}

// WriteChunks copies r into w chunk by chunk, writing from w's current
// position. The first read or write error is returned immediately.
func (c *Client) WriteChunks(r io.Reader, w io.Writer) (int64, error) {
	buf := make([]byte, ChunkSize)
	var written int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if c.maxSize > 0 && written+int64(n) > c.maxSize {
				return written, fmt.Errorf("%w of %d bytes", ErrTooLarge, c.maxSize)
			}
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr == nil && m < n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, fmt.Errorf("%w: %w", ErrWrite, werr)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("%w: %w", ErrPayload, rerr)
		}
	}
}

// Prepare stores source as a new file in dir and returns its path.
// source is either an http(s) URL or a local file path.
func (c *Client) Prepare(ctx context.Context, source, dir, prefix string) (string, error) {
	var body io.ReadCloser
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		rc, err := c.Get(ctx, source)
		if err != nil {
			return "", err
		}
		body = rc
	case strings.HasPrefix(source, "data:"):
		return "", fmt.Errorf("%w: data URI inputs are not supported", ErrUnsupported)
	case source == "":
		return "", fmt.Errorf("%w: empty source", ErrUnsupported)
	default:
		f, err := os.Open(source)
		if err != nil {
			return "", fmt.Errorf("could not open local input file: %w", err)
		}
		body = f
	}
	defer body.Close()

	tmpFile, err := os.CreateTemp(dir, prefix+"_input_*")
	if err != nil {
		return "", err
	}
	if _, err := c.WriteChunks(body, tmpFile); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", err
	}
	// Close before ffmpeg reads it.
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return "", err
	}
	return tmpFile.Name(), nil
}
