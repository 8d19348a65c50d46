package supervisor

import (
	"context"
	"errors"

	"github.com/thejerf/suture/v4"
)

// Func adapts a run function to suture.Service.
type Func struct {
	Name string
	Run  func(ctx context.Context) error
	// Once marks a service that should not be restarted after it returns
	// without error.
	Once bool
}

// Serve implements suture.Service.
func (f Func) Serve(ctx context.Context) error {
	err := f.Run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil && f.Once {
		return suture.ErrDoNotRestart
	}
	return err
}

func (f Func) String() string { return f.Name }

// Closer stops a resource when the tree shuts down.
type Closer struct {
	Name  string
	Close func() error
}

// Serve blocks until ctx is done and then calls Close.
func (c Closer) Serve(ctx context.Context) error {
	<-ctx.Done()
	if err := c.Close(); err != nil {
		return errors.Join(ctx.Err(), err)
	}
	return ctx.Err()
}

func (c Closer) String() string { return c.Name }
