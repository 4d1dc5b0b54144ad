package serverutil

import (
	"context"
	"errors"
	"fmt"
)

// Service adapts Run to a suture service. A listen failure is returned as is
// so the supervisor restarts the service with backoff.
type Service struct {
	Name   string
	Config Config
}

func (s *Service) Serve(ctx context.Context) error {
	err := Run(ctx, s.Config)
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		return errors.New("http server exited unexpectedly")
	}
	return fmt.Errorf("%s: %w", s.String(), err)
}

func (s *Service) String() string {
	if s.Name != "" {
		return s.Name
	}
	return "http-server"
}
