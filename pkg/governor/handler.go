package governor

import (
	"context"

	"github.com/core-tools/hsu-governor/pkg/domain"
	"github.com/core-tools/hsu-governor/pkg/resourcelimits"
)

var _ domain.Contract = (*Governor)(nil)

// Status renders the usage table under the manager lock
func (g *Governor) Status(ctx context.Context) (string, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.manager.DisplayUpdate(), nil
}

func (g *Governor) Rules(ctx context.Context) (string, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	return resourcelimits.RenderRuleTable(g.manager.RuleStatuses()), nil
}

func (g *Governor) Ping(ctx context.Context) (string, error) {
	return "pong", nil
}
