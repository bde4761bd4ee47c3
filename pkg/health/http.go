package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/cogsled/cogsled/pkg/types"
)

// httpCheckTimeout is the fixed connect/read timeout for http-mode checks.
const httpCheckTimeout = 30 * time.Second

var httpClient = &http.Client{Timeout: httpCheckTimeout}

// checkHTTP issues a GET to the service's loopback port and url. With no
// regex configured, any successful response (no connection error or
// timeout) counts as healthy; otherwise the body must match the regex.
// Connection refused or timeout resolve to false, never an error.
func checkHTTP(ctx context.Context, hostPort int, cfg types.HealthCheckConfig) bool {
	ctx, cancel := context.WithTimeout(ctx, httpCheckTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/%s", hostPort, cfg.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if cfg.Regex == "" {
		return true
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false
	}

	matched, err := regexp.MatchString(cfg.Regex, string(body))
	return err == nil && matched
}
