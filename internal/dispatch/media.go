package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const defaultMaxMediaBytes = 5 << 20

type media struct {
	Data     []byte
	MIME     string
	Filename string
}

// fetchMedia downloads url and sniffs its type. Only images and videos are accepted.
func fetchMedia(ctx context.Context, hc *http.Client, platform, url string, maxBytes int64) (media, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxMediaBytes
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return media{}, &ValidationError{Platform: platform, Reason: fmt.Sprintf("bad media url: %v", err)}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return media{}, &DeliveryError{Platform: platform, Op: "media.fetch", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return media{}, &DeliveryError{Platform: platform, Op: "media.fetch", Status: resp.StatusCode, Message: "media download failed"}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return media{}, &DeliveryError{Platform: platform, Op: "media.fetch", Err: err}
	}
	if int64(len(data)) > maxBytes {
		return media{}, &ValidationError{Platform: platform, Reason: fmt.Sprintf("media exceeds %d bytes", maxBytes)}
	}
	mt := mimetype.Detect(data)
	kind := strings.SplitN(mt.String(), "/", 2)[0]
	if kind != "image" && kind != "video" {
		return media{}, &ValidationError{Platform: platform, Reason: "unsupported media type " + mt.String()}
	}
	return media{Data: data, MIME: mt.String(), Filename: "media" + mt.Extension()}, nil
}
