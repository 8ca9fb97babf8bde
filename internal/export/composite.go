package export

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Registration binds a toggle name to a child strategy constructor.
type Registration struct {
	Name string
	New  func() Strategy
}

// Composite fans out to the registered children whose toggle is on.
//
// Children run concurrently. Their configs are merged in registry order,
// each keeping its own declaration order. If any child fails the whole
// composite fails; a partial config is never returned. A child may itself
// be a Composite.
type Composite struct {
	Toggles  map[string]bool
	Registry []Registration
}

// Name implements the optional strategy name used in errors.
func (c *Composite) Name() string {
	return "composite"
}

// Produce implements Strategy.
func (c *Composite) Produce(ctx context.Context, scope *Scope) (Config, error) {
	known := make(map[string]struct{}, len(c.Registry))
	for _, r := range c.Registry {
		known[r.Name] = struct{}{}
	}
	for name := range c.Toggles {
		if _, ok := known[name]; !ok {
			return Config{}, validationErrorf("%s: %s", msgUnknownSection, name)
		}
	}

	var enabled []Registration
	for _, r := range c.Registry {
		if c.Toggles[r.Name] {
			enabled = append(enabled, r)
		}
	}

	configs := make([]Config, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range enabled {
		i, r := i, r
		g.Go(func() error {
			cfg, err := r.New().Produce(gctx, scope)
			if err != nil {
				return wrapStrategyError(r.Name, err)
			}
			configs[i] = cfg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Config{}, err
	}

	return Merge(configs...)
}
