package bus

import "github.com/folio-org/folio-core/internal/store"

// NoopBackplane discards every event. It is the Backplane used in
// single-process deployments and in tests where cross-process fan-out is
// irrelevant.
type NoopBackplane struct{}

func (NoopBackplane) Publish(store.Event) error { return nil }
