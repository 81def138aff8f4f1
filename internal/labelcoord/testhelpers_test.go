package labelcoord

import (
	"context"
	"time"
)

func bgCtx() context.Context { return context.Background() }

func timeoutCh() <-chan time.Time { return time.After(2 * time.Second) }
