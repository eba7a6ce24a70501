package pool

import "context"

// Owner identifies the holder of pooled connections.
type Owner string

// DefaultOwner is used for contexts that carry no owner.
const DefaultOwner Owner = "pooled-default-owner"

type ownerKey struct{}

// WithOwner returns a context whose pool operations act on behalf of owner.
func WithOwner(ctx context.Context, owner Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the owner carried by ctx, or DefaultOwner.
func OwnerFromContext(ctx context.Context) Owner {
	if ctx != nil {
		if o, ok := ctx.Value(ownerKey{}).(Owner); ok && o != "" {
			return o
		}
	}
	return DefaultOwner
}
