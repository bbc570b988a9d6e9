package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// startup runs the application startup hook. A panic counts as a failure.
func (r *Runtime) startup(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("startup panicked: %v", p)
		}
	}()
	return r.app.Startup(ctx)
}

// shutdown runs the application shutdown hook. Failures are logged only.
func (r *Runtime) shutdown(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Application shutdown panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	if err := r.app.Shutdown(ctx); err != nil {
		r.logger.Error("Application shutdown failed", zap.Error(err))
	}
}
