package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Rule is one in-place correction of staged data. Applying a rule twice has the same
// effect as applying it once.
type Rule interface {
	Name() string
	Statement() Statement
}

type (
	// NullUserRule replaces a missing event user id with Sentinel, so that logged-out
	// activity still satisfies the NOT NULL user reference of the fact.
	NullUserRule struct {
		Sentinel int64
	}

	// PageWhitelistRule deletes staged events whose page is not listed.
	PageWhitelistRule struct {
		Pages []string
	}

	// Cleanser applies rules to the staging relations, one transaction per rule.
	Cleanser struct {
		db     DB
		rules  []Rule
		logger *slog.Logger
	}
)

var (
	_ Rule = NullUserRule{}
	_ Rule = PageWhitelistRule{}
)

// Name implements Rule.
func (NullUserRule) Name() string { return "null user sentinel" }

// Statement implements Rule.
func (r NullUserRule) Statement() Statement {
	return Statement{
		Name:     r.Name(),
		Relation: StagingEvents,
		SQL:      `UPDATE stg_events SET userId = $1 WHERE userId IS NULL`,
		Args:     []any{r.Sentinel},
	}
}

// Name implements Rule.
func (PageWhitelistRule) Name() string { return "page whitelist" }

// Statement implements Rule.
func (r PageWhitelistRule) Statement() Statement {
	placeholders := make([]string, len(r.Pages))
	args := make([]any, len(r.Pages))

	for i, p := range r.Pages {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = p
	}

	return Statement{
		Name:     r.Name(),
		Relation: StagingEvents,
		SQL:      `DELETE FROM stg_events WHERE page NOT IN (` + strings.Join(placeholders, ", ") + `)`,
		Args:     args,
	}
}

// DefaultRules returns the rules every run applies: the null-user substitution.
func DefaultRules() []Rule {
	return []Rule{NullUserRule{Sentinel: DefaultNullUserSentinel}}
}

// NewCleanser creates a Cleanser. A nil logger discards output.
func NewCleanser(db DB, rules []Rule, logger *slog.Logger) (*Cleanser, error) {
	if db == nil {
		return nil, ErrNoDatabase
	}

	for _, r := range rules {
		if wl, ok := r.(PageWhitelistRule); ok && len(wl.Pages) == 0 {
			return nil, errors.New("page whitelist must list at least one page")
		}
	}

	if logger == nil {
		logger = discardLogger()
	}

	return &Cleanser{db: db, rules: rules, logger: logger}, nil
}

// Rules returns the configured rules in application order.
func (c *Cleanser) Rules() []Rule {
	return c.rules
}

// Apply runs rule in its own transaction and returns the rows it touched.
func (c *Cleanser) Apply(ctx context.Context, rule Rule) (int64, error) {
	rows, err := execStatements(ctx, c.db, c.logger, rule.Statement())
	if err != nil {
		return 0, fmt.Errorf("cleanse rule %q: %w", rule.Name(), err)
	}

	c.logger.Info("Cleanse rule applied",
		slog.String("rule", rule.Name()),
		slog.Int64("rows", rows),
	)

	return rows, nil
}

// Cleanse applies every rule in order and returns the total rows touched.
func (c *Cleanser) Cleanse(ctx context.Context) (int64, error) {
	var total int64

	for _, rule := range c.rules {
		rows, err := c.Apply(ctx, rule)
		if err != nil {
			return 0, err
		}

		total += rows
	}

	return total, nil
}
