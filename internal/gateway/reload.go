package gateway

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegateway/internal/config"
)

// ReloadResult describes the outcome of a config reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// Reload builds a new State from newCfg and swaps it in. On error the
// current state keeps serving. The replaced state's sweepers are stopped
// and its idle upstream connections released; requests still running on
// it complete normally.
func (g *Gateway) Reload(newCfg *config.Config) ReloadResult {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	result := ReloadResult{Timestamp: time.Now()}

	old := g.state.Load()
	newState, err := g.buildState(newCfg, old)
	if err != nil {
		result.Error = err.Error()
		g.metrics.RecordReload(false)
		return result
	}

	result.Changes = diffConfig(old.config, newCfg)

	newState.limiter.Start()
	g.state.Store(newState)

	old.limiter.Close()
	old.forwarder.Close()

	g.metrics.RecordReload(true)
	g.logger.Info("configuration reloaded",
		zap.Int("routes", len(newCfg.Routes)),
		zap.Strings("changes", result.Changes),
	)
	result.Success = true
	return result
}

// diffConfig summarizes route and zone differences between two configs.
func diffConfig(oldCfg, newCfg *config.Config) []string {
	var changes []string

	oldRoutes := make(map[string]config.RouteConfig, len(oldCfg.Routes))
	for _, r := range oldCfg.Routes {
		oldRoutes[r.ID] = r
	}
	newRoutes := make(map[string]config.RouteConfig, len(newCfg.Routes))
	for _, r := range newCfg.Routes {
		newRoutes[r.ID] = r
		prev, ok := oldRoutes[r.ID]
		switch {
		case !ok:
			changes = append(changes, fmt.Sprintf("route added: %s", r.ID))
		case prev != r:
			changes = append(changes, fmt.Sprintf("route modified: %s", r.ID))
		}
	}
	for id := range oldRoutes {
		if _, ok := newRoutes[id]; !ok {
			changes = append(changes, fmt.Sprintf("route removed: %s", id))
		}
	}

	oldZones := make(map[string]config.RateLimitZoneConfig, len(oldCfg.RateLimitZones))
	for _, z := range oldCfg.RateLimitZones {
		oldZones[z.ID] = z
	}
	newZones := make(map[string]bool, len(newCfg.RateLimitZones))
	for _, z := range newCfg.RateLimitZones {
		newZones[z.ID] = true
		prev, ok := oldZones[z.ID]
		switch {
		case !ok:
			changes = append(changes, fmt.Sprintf("rate_limit_zone added: %s", z.ID))
		case prev != z:
			changes = append(changes, fmt.Sprintf("rate_limit_zone modified: %s", z.ID))
		}
	}
	for id := range oldZones {
		if !newZones[id] {
			changes = append(changes, fmt.Sprintf("rate_limit_zone removed: %s", id))
		}
	}

	if oldCfg.Verifier != newCfg.Verifier {
		changes = append(changes, "verifier modified")
	}
	if !reflect.DeepEqual(oldCfg.Upstream, newCfg.Upstream) {
		changes = append(changes, "upstream modified")
	}
	if !reflect.DeepEqual(oldCfg.CORS, newCfg.CORS) {
		changes = append(changes, "cors modified")
	}
	if oldCfg.Logging != newCfg.Logging {
		changes = append(changes, "logging modified (takes effect on restart)")
	}
	if oldCfg.Listener != newCfg.Listener {
		changes = append(changes, "listener modified (takes effect on restart)")
	}

	sort.Strings(changes)
	return changes
}
