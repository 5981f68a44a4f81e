package httpapi

import (
	"net/http"
	"time"
)

// httpClient talks to the on-device agent/WDA endpoints this surface
// proxies. 15s matches the health-probe request timeout used elsewhere;
// screenshot/hierarchy fetches are the same class of call.
var httpClient = &http.Client{Timeout: 15 * time.Second}
