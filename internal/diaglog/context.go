package diaglog

import "context"

type sessionKey struct{}

// WithSession tags ctx with a run ID so components deep in the call chain can
// journal events against the right session.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionFrom returns the run ID stored by WithSession, or "".
func SessionFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
