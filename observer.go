package xgate

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(n Notice)

func (f ObserverFunc) OnNotice(n Notice) { f(n) }

// LoggingObserver is an Adapter that emits bus notices via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnNotice(n Notice) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("notice", string(n.Type)),
		xlog.Str("event_type", n.EventType),
	)
	switch n.Type {
	case HandlerFailed:
		ev.Warn().Str("handler", n.Handler).Err(n.Err).Msg("xgate notice")
	case Dropped:
		ev.Warn().Str("reason", n.Reason).Msg("xgate notice")
	default:
		if n.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", n.Duration))
		}
		ev.Debug().Msg("xgate notice")
	}
}
