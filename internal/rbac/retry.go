package rbac

import (
	"context"

	"github.com/sirupsen/logrus"
)

// read runs a read-only operation and repeats it once when the store reports a transient failure.
// Mutations never go through here.
func (s *Service) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || !IsTransient(err) || ctx.Err() != nil {
		return err
	}
	s.logger.WithError(err).WithFields(logrus.Fields{"op": op}).Warn("retrying read after transient store error")
	return fn(ctx)
}
