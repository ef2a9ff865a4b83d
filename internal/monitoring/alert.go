package monitoring

import (
	"github.com/rs/zerolog/log"
)

// UpstreamAlert raises an alert for store/network reachability problems
// (logs for now; the alerting pipeline consumes structured log output).
func UpstreamAlert(message string, labels map[string]string) {
	log.Error().
		Str("alert", message).
		Fields(labels).
		Msg("ALERT: Upstream fetch failure")
}
