package relay

import (
	"context"

	"github.com/dropwire/dropwire/internal/dropwire"
	"github.com/dropwire/dropwire/internal/trigger"
)

//go:generate mockgen -destination=dispatcher_mock.go -package=relay -source=dispatcher.go

// dispatcher is the workflow trigger as the relay sees it: one call, one
// execution, success or a classifiable error.
type dispatcher interface {
	Dispatch(ctx context.Context, events []dropwire.ChangeEvent) (*trigger.Execution, error)
}
