package health

import (
	"context"
	"regexp"

	"github.com/cogsled/cogsled/pkg/types"
)

// checkLog reads the container's current logs. With no regex, any non-empty
// log output counts as healthy; otherwise the regex must match the
// UTF-8-decoded log bytes.
func (p *Prober) checkLog(ctx context.Context, containerID string, cfg types.HealthCheckConfig) bool {
	if containerID == "" {
		return false
	}
	logs, err := p.runtime.Logs(ctx, containerID)
	if err != nil {
		return false
	}
	if cfg.Regex == "" {
		return len(logs) > 0
	}
	matched, err := regexp.Match(cfg.Regex, logs)
	return err == nil && matched
}
