package plugin

import (
	"log/slog"
	"time"

	"github.com/df-mc/dragonfly/server/world"

	"github.com/knightsandkings/knk"
)

// execTimeout bounds how long the tick loop waits for a world transaction.
const execTimeout = 5 * time.Second

// WorldExec returns a knk.WithExec option running every main-thread pass
// inside a transaction of w. Game handlers run in transactions of the same
// world, so coordinators are only ever touched with the world locked.
func WorldExec(w *world.World, log *slog.Logger) knk.TickOption {
	return knk.WithExec(func(fn func()) {
		done := make(chan struct{})
		w.Exec(func(tx *world.Tx) {
			defer close(done)
			fn()
		})

		t := time.NewTimer(execTimeout)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			// The world is closing or stalled. The pass stays queued on the
			// world and does nothing if the tick loop has stopped by then.
			log.Warn("knk: world transaction did not run in time", "timeout", execTimeout)
		}
	})
}
