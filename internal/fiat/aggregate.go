package fiat

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Aggregator asks several providers at once and merges their answers. On
// conflicting quotes the earlier client in the list wins.
type Aggregator struct {
	clients []*Client
}

func NewAggregator(clients ...*Client) *Aggregator {
	return &Aggregator{clients: clients}
}

func (a *Aggregator) Clients() []*Client { return a.clients }

// Client returns the client with the given name.
func (a *Aggregator) Client(name string) (*Client, bool) {
	for _, c := range a.clients {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// Rates returns every quote any provider could deliver. The error joins the
// failures of individual providers; it is non-nil with partial rates when
// some providers failed, and rates are nil only if all of them did.
func (a *Aggregator) Rates(ctx context.Context, q Query) (Rates, error) {
	q = q.Normalized()
	if q.Empty() {
		return nil, ErrEmptyQuery
	}

	results := make([]Rates, len(a.clients))
	errs := make([]error, len(a.clients))
	var g errgroup.Group
	for i, c := range a.clients {
		g.Go(func() error {
			r, err := c.Rates(ctx, q)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.Name(), err)
				return nil
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	merged := Rates{}
	for _, r := range results {
		for coin, prices := range r {
			for vs, price := range prices {
				if _, ok := merged[coin][vs]; !ok {
					merged.set(coin, vs, price)
				}
			}
		}
	}
	err := errors.Join(errs...)
	if len(merged) == 0 && err != nil {
		return nil, err
	}
	return merged, err
}

func (a *Aggregator) Close() {
	for _, c := range a.clients {
		c.Close()
	}
}
