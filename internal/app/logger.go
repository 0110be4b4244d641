package app

import (
	"github.com/rs/zerolog/log"
	"go.uber.org/fx/fxevent"
)

// eventLogger routes fx lifecycle events to zerolog. Failures are errors;
// the rest is debug noise.
type eventLogger struct{}

func newEventLogger() fxevent.Logger { return eventLogger{} }

func (eventLogger) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuted:
		if e.Err != nil {
			log.Error().Err(e.Err).Str("hook", e.FunctionName).Msg("app: start hook failed")
			return
		}
		log.Debug().Str("hook", e.FunctionName).Dur("runtime", e.Runtime).Msg("app: start hook done")
	case *fxevent.OnStopExecuted:
		if e.Err != nil {
			log.Error().Err(e.Err).Str("hook", e.FunctionName).Msg("app: stop hook failed")
			return
		}
		log.Debug().Str("hook", e.FunctionName).Dur("runtime", e.Runtime).Msg("app: stop hook done")
	case *fxevent.Provided:
		if e.Err != nil {
			log.Error().Err(e.Err).Str("constructor", e.ConstructorName).Msg("app: provide failed")
		}
	case *fxevent.Invoked:
		if e.Err != nil {
			log.Error().Err(e.Err).Str("function", e.FunctionName).Msg("app: invoke failed")
		}
	case *fxevent.Started:
		if e.Err != nil {
			log.Error().Err(e.Err).Msg("app: start failed")
			return
		}
		log.Debug().Msg("app: started")
	case *fxevent.Stopped:
		if e.Err != nil {
			log.Error().Err(e.Err).Msg("app: stop failed")
		}
	}
}
