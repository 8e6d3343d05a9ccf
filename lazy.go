package schemamodel

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// LazyReference is an identifier-only stand-in for a related entity. It is
// resolved to the full entity only when Resolve is called.
type LazyReference struct {
	ID       any
	resolver Resolver
	resolved bool
	value    any
}

// NewLazyReference returns a reference to id that loads through resolver.
func NewLazyReference(id any, resolver Resolver) *LazyReference {
	return &LazyReference{ID: id, resolver: resolver}
}

// PrimaryValue returns the referenced identifier.
func (r *LazyReference) PrimaryValue() any {
	return r.ID
}

// IsResolved reports whether Resolve already loaded the entity.
func (r *LazyReference) IsResolved() bool {
	return r.resolved
}

// Resolve loads the referenced entity once and memoizes it.
func (r *LazyReference) Resolve(ctx context.Context) (any, error) {
	if r.resolved {
		return r.value, nil
	}
	if r.resolver == nil {
		return nil, NewStateError(ErrCodeFetchFailed, fmt.Sprintf("lazy reference %v has no resolver", r.ID))
	}
	value, err := r.resolver(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	r.value = value
	r.resolved = true
	return value, nil
}

func (r *LazyReference) String() string {
	return fmt.Sprintf("LazyReference(%v)", r.ID)
}

// ResolveAll resolves refs with at most limit concurrent loads. Results keep
// the order of refs. The first failure cancels the remaining loads.
func ResolveAll(ctx context.Context, refs []*LazyReference, limit int) ([]any, error) {
	results := make([]any, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, ref := range refs {
		g.Go(func() error {
			value, err := ref.Resolve(gctx)
			if err != nil {
				return fmt.Errorf("resolve %v: %w", ref.ID, err)
			}
			results[i] = value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
