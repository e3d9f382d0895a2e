package auth

import "context"

type ownerContextKey struct{}

// WithOwner attaches an owner to the context.
func WithOwner(ctx context.Context, owner *Owner) context.Context {
	if owner == nil {
		return ctx
	}
	return context.WithValue(ctx, ownerContextKey{}, owner)
}

// OwnerFromContext retrieves the owner from the context.
func OwnerFromContext(ctx context.Context) (*Owner, bool) {
	owner, ok := ctx.Value(ownerContextKey{}).(*Owner)
	return owner, ok
}

// OwnerID returns the owner id on ctx, or "".
func OwnerID(ctx context.Context) string {
	if owner, ok := OwnerFromContext(ctx); ok {
		return owner.ID
	}
	return ""
}
