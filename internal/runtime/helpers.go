package runtime

import (
	"strings"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/dispatch"
	"github.com/tjfontaine/lead-dispatch/internal/pkg/config"
)

// profilesFromConfig converts the agents section into registry profiles.
func profilesFromConfig(agents []config.AgentConfig) []*domain.AgentProfile {
	out := make([]*domain.AgentProfile, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Profile())
	}
	return out
}

// routingFromConfig converts the routing section into coordinator rules.
func routingFromConfig(rc config.RoutingConfig) dispatch.Routing {
	r := dispatch.Routing{
		Rules:        make([]dispatch.Rule, 0, len(rc.Rules)),
		DefaultChain: rc.DefaultChain,
	}
	for _, rule := range rc.Rules {
		r.Rules = append(r.Rules, dispatch.Rule{
			LegalArea: rule.LegalArea,
			Channel:   domain.Channel(strings.ToLower(rule.Channel)),
			Urgency:   domain.Urgency(strings.ToLower(rule.Urgency)),
			Chain:     rule.Chain,
		})
	}
	return r
}

func limitsFromConfig(lc config.LimitsConfig) dispatch.Limits {
	l := dispatch.DefaultLimits
	if lc.MaxAgentID > 0 {
		l.MaxAgentID = lc.MaxAgentID
	}
	if lc.MaxInput > 0 {
		l.MaxInput = lc.MaxInput
	}
	return l
}
