package statesurface

// Key layout inside a tenant namespace. The tenant itself is part of the
// storage key, so these never need to carry it.
const (
	SessionPrefix = "session:"
	SagaPrefix    = "saga:"
)

func SessionKey(sessionID string) string { return SessionPrefix + sessionID }

func SagaKey(sagaID string) string { return SagaPrefix + sagaID }
