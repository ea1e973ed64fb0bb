package backgrounding

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

// SignalListener maps two OS signals onto background/foreground
// transitions. It is used by daemons that have no native notion of being
// backgrounded, e.g. SIGUSR1 before a host suspend and SIGUSR2 after.
type SignalListener struct {
	*Controllable
	logger *slog.Logger
	done   chan struct{}
}

// NewSignalListener starts watching for the given signals until ctx is
// cancelled.
func NewSignalListener(ctx context.Context, logger *slog.Logger, background, foreground os.Signal) *SignalListener {
	l := &SignalListener{
		Controllable: NewControllable(),
		logger:       logger,
		done:         make(chan struct{}),
	}

	ch := make(chan os.Signal, 4)
	signal.Notify(ch, background, foreground)

	go func() {
		defer close(l.done)
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				if sig == background {
					l.logger.Debug("backgrounding: entering background", "signal", sig.String())
					l.SendToBackground()
				} else {
					l.logger.Debug("backgrounding: entering foreground", "signal", sig.String())
					l.SendToForeground()
				}
			}
		}
	}()
	return l
}

// Done is closed once the signal goroutine has exited.
func (l *SignalListener) Done() <-chan struct{} { return l.done }
