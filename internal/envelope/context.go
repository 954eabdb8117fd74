package envelope

import "context"

type parentKey struct{}

// WithParent stores the envelope that caused the current work, so requests
// made on its behalf inherit session, kiosk and trace.
func WithParent(ctx context.Context, env *Envelope) context.Context {
	return context.WithValue(ctx, parentKey{}, env)
}

// ParentFrom returns the envelope stored by WithParent.
func ParentFrom(ctx context.Context) (*Envelope, bool) {
	env, ok := ctx.Value(parentKey{}).(*Envelope)
	return env, ok && env != nil
}

// DeriveFrom builds a request envelope from the parent in ctx, or a fresh
// trace when there is none.
func DeriveFrom(ctx context.Context, payload any) (*Envelope, error) {
	if parent, ok := ParentFrom(ctx); ok {
		return parent.Derive(payload)
	}
	return New("", "", payload)
}
