package callback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"

	"relay/dto"
)

// httpClient общий для всех пиров, таймаут задает ctx каждой доставки
var httpClient = &http.Client{}

type httpDeliverer struct {
	url string
}

func newHTTP(u *url.URL) (Deliverer, error) {
	return &httpDeliverer{url: u.String()}, nil
}

func (h *httpDeliverer) Deliver(ctx context.Context, msg dto.Delivery) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("error marshal delivery. %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("error deliver to %s: %s", h.url, res.Status)
	}
	return nil
}

func (h *httpDeliverer) Close() error {
	return nil
}
