package supervisor

import (
	"context"
	"net"
	"net/http"
	"time"
)

// httpClient bounds each health-probe request: 3s to connect, 15s for the
// whole request.
var httpClient = &http.Client{
	Timeout:   15 * time.Second,
	Transport: &http.Transport{DialContext: (&net.Dialer{Timeout: 3 * time.Second}).DialContext},
}

func httpGetRequest(ctx context.Context, url string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
}
