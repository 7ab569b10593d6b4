package provider

import (
	"fmt"
	"net/url"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
)

// CallbackURL tags base with the correlation token as source/type/env query
// parameters, keeping any query the base already carries.
func CallbackURL(base string, c domain.Correlation) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse webhook url %q: %w", base, err)
	}
	q := u.Query()
	q.Set("source", c.Model)
	q.Set("type", string(c.Kind))
	q.Set("env", c.Env)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseCorrelation reads the token back from a callback's query string.
func ParseCorrelation(q url.Values) domain.Correlation {
	return domain.Correlation{
		Model: q.Get("source"),
		Kind:  domain.Kind(q.Get("type")),
		Env:   q.Get("env"),
	}
}
