// Package guard decides whether navigation to a route is allowed for the
// current session. Token validity comes from the token manager; the
// account flags are evaluated by a Rego policy that picks the redirect:
// login, password setup or billing.
package guard

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/txn2/stocksync/pkg/api"
	"github.com/txn2/stocksync/pkg/session"
)

//go:embed guard.rego
var defaultPolicy string

const decisionQuery = "data.stocksync.guard.decision"

// Redirect targets.
const (
	RedirectLogin         = "login"
	RedirectPasswordSetup = "password_setup"
	RedirectBilling       = "billing"
)

// Route describes a navigation target.
type Route struct {
	Path string

	// Public routes skip token validation entirely.
	Public bool

	// SkipBilling keeps the route reachable without an active
	// subscription, e.g. the billing pages themselves.
	SkipBilling bool

	// SkipPasswordSetup keeps the route reachable before the first
	// password is set, e.g. the password setup page.
	SkipPasswordSetup bool
}

// Decision is the outcome of a check. Redirect is set when Allow is false.
type Decision struct {
	Allow    bool
	Redirect string
	Reason   string
}

// Tokens is what the guard needs from the token manager.
type Tokens interface {
	IsAuthenticated(ctx context.Context) bool
	ValidateOrRefresh(ctx context.Context) (bool, error)
	Session(ctx context.Context) (*session.Session, error)
}

// Accounts fetches subscription flags. *api.Authorized satisfies it.
type Accounts interface {
	AccountStatus(ctx context.Context, accountID string, opts ...api.RequestOption) (*api.AccountStatus, error)
}

// Config configures a Guard.
type Config struct {
	Tokens Tokens

	// Accounts is optional; without it billing redirects never happen.
	Accounts Accounts

	// Policy is Rego source replacing the built-in policy. It must define
	// data.stocksync.guard.decision.
	Policy string

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Guard evaluates navigation decisions.
type Guard struct {
	tokens   Tokens
	accounts Accounts
	clock    clockwork.Clock
	logger   *slog.Logger
	query    rego.PreparedEvalQuery
}

// New compiles the policy and returns a Guard.
func New(ctx context.Context, cfg Config) (*Guard, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("guard: token manager is required")
	}
	if cfg.Policy == "" {
		cfg.Policy = defaultPolicy
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	query, err := rego.New(
		rego.Query(decisionQuery),
		rego.Module("guard.rego", cfg.Policy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("guard: compiling policy: %w", err)
	}

	return &Guard{
		tokens:   cfg.Tokens,
		accounts: cfg.Accounts,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		query:    query,
	}, nil
}

// LoadPolicy reads a Rego policy file.
func LoadPolicy(path string) (string, error) {
	// #nosec G304 -- path comes from the client configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("guard: reading policy: %w", err)
	}
	return string(data), nil
}

// Check decides whether route may be entered. Protected routes validate
// the token first, refreshing it when possible; an invalid token without a
// refresh token ends the session and redirects to login. A transport error
// during validation is returned as-is.
func (g *Guard) Check(ctx context.Context, route Route) (Decision, error) {
	input := map[string]any{
		"route": map[string]any{
			"path":                route.Path,
			"public":              route.Public,
			"skip_billing":        route.SkipBilling,
			"skip_password_setup": route.SkipPasswordSetup,
		},
		"authenticated": false,
		"account":       map[string]any{},
		"subscription":  map[string]any{"known": false},
	}

	if route.Public {
		input["authenticated"] = g.tokens.IsAuthenticated(ctx)
		return g.evaluate(ctx, input)
	}

	valid, err := g.tokens.ValidateOrRefresh(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("guard: validating session: %w", err)
	}
	if !valid {
		return g.evaluate(ctx, input)
	}

	sess, err := g.tokens.Session(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("guard: loading session: %w", err)
	}
	if sess == nil {
		return g.evaluate(ctx, input)
	}

	input["authenticated"] = true
	input["account"] = map[string]any{
		"id":                 sess.AccountID,
		"first_access":       sess.FirstAccess,
		"password_confirmed": sess.PasswordConfirmed,
	}
	input["subscription"] = g.subscription(ctx, sess.AccountID)

	return g.evaluate(ctx, input)
}

// subscription fetches the account flags. A failure leaves the state
// unknown, which the policy never blocks on.
func (g *Guard) subscription(ctx context.Context, accountID string) map[string]any {
	unknown := map[string]any{"known": false}
	if g.accounts == nil || accountID == "" {
		return unknown
	}
	status, err := g.accounts.AccountStatus(ctx, accountID, api.SkipLoading())
	if err != nil {
		g.logger.Warn("account status unavailable", "account_id", accountID, "error", err)
		return unknown
	}
	return map[string]any{
		"known":        true,
		"active":       status.SubscriptionActive,
		"trial_active": status.TrialActive(g.clock.Now()),
	}
}

func (g *Guard) evaluate(ctx context.Context, input map[string]any) (Decision, error) {
	rs, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("guard: evaluating policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, errors.New("guard: policy returned no decision")
	}
	value, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("guard: unexpected decision %T", rs[0].Expressions[0].Value)
	}

	d := Decision{}
	d.Allow, _ = value["allow"].(bool)
	d.Redirect, _ = value["redirect"].(string)
	d.Reason, _ = value["reason"].(string)
	if !d.Allow && d.Redirect == "" {
		d.Redirect = RedirectLogin
	}
	return d, nil
}
