// Package netx fetches recovery package files from presigned object URLs.
package netx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxPackageSize bounds the body accepted by FetchPresigned.
const MaxPackageSize = 256 << 20

// defaultClient is a seam for tests.
var defaultClient = &http.Client{Timeout: 2 * time.Minute}

// FetchPresigned downloads the object behind a presigned GET URL.
func FetchPresigned(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := defaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("download failed: %s; body: %s", resp.Status, string(b))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxPackageSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxPackageSize {
		return nil, fmt.Errorf("download failed: object exceeds %d bytes", MaxPackageSize)
	}
	return body, nil
}
