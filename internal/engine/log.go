package engine

import (
	"context"
	"log/slog"

	"github.com/CZERTAINLY/Jobman/internal/log"
)

func logAttempt(ctx context.Context, n int) context.Context {
	return log.ContextAttrs(ctx, slog.Int("attempt", n))
}
