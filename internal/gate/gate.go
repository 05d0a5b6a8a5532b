package gate

import (
	"context"
	"log/slog"
	"time"

	"chatwatch/internal/config"
	"chatwatch/internal/engine"
	"chatwatch/internal/state"

	"github.com/google/uuid"
)

// Ticket identifies one granted reservation for later rollback.
// Params: reservation token and claimed budget keys.
// Returns: rollback handle.
type Ticket struct {
	Token string
	Keys  []string
}

// Gate enforces dispatch rate budgets through shared state store.
// Params: store, rate policy, and logger.
// Returns: reservation coordinator safe for concurrent use.
type Gate struct {
	store  state.Store
	rate   config.RateConfig
	logger *slog.Logger
}

// New creates rate gate.
// Params: state backend, rate policy, and optional logger.
// Returns: initialized gate.
func New(store state.Store, rate config.RateConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, rate: rate, logger: logger}
}

// Claims builds budget claims for one rule according to scope.
// Params: rule name.
// Returns: ordered claims, per-rule budget first.
func (g *Gate) Claims(ruleName string) []state.Claim {
	global := state.Claim{Key: engine.GlobalBudgetKey, Window: g.rate.Global.Window(), Limit: g.rate.Global.Limit}
	perRule := state.Claim{Key: engine.RuleBudgetKey(ruleName), Window: g.rate.Rule.Window(), Limit: g.rate.Rule.Limit}
	switch g.rate.Scope {
	case config.RateScopeRule:
		return []state.Claim{perRule}
	case config.RateScopeRuleAndGlobal:
		return []state.Claim{perRule, global}
	default:
		return []state.Claim{global}
	}
}

// Reserve atomically claims one dispatch slot for rule.
// Store failures are reported as denial so alerts fail closed.
// Params: context, rule name, and reservation time.
// Returns: ticket on grant, verdict, and store error when any.
func (g *Gate) Reserve(ctx context.Context, ruleName string, at time.Time) (Ticket, state.Verdict, error) {
	claims := g.Claims(ruleName)
	token := uuid.NewString()
	verdict, err := g.store.Reserve(ctx, claims, token, at)
	if err != nil {
		g.logger.Error("rate reservation failed", "rule", ruleName, "error", err.Error())
		return Ticket{}, state.VerdictDenied, err
	}
	if verdict != state.VerdictGranted {
		return Ticket{}, verdict, nil
	}
	return Ticket{Token: token, Keys: state.ClaimKeys(claims)}, verdict, nil
}

// Rollback releases slot of a failed delivery.
// Params: context and ticket from Reserve.
// Returns: store error.
func (g *Gate) Rollback(ctx context.Context, ticket Ticket) error {
	if ticket.Token == "" {
		return nil
	}
	return g.store.Rollback(ctx, ticket.Keys, ticket.Token)
}
