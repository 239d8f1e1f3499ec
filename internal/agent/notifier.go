package agent

import (
	"github.com/rs/zerolog"

	"github.com/mossy-p/call-signaling/internal/controller"
	"github.com/mossy-p/call-signaling/internal/models"
)

// LogNotifier reports call activity to a logger. OnIncoming, when set, is
// called for every ringing call; the agent uses it to auto-answer.
type LogNotifier struct {
	Logger     zerolog.Logger
	OnIncoming func(models.Call)
}

func (n *LogNotifier) IncomingCall(c models.Call) {
	n.Logger.Info().
		Str("callId", c.ID).
		Str("caller", c.CallerID).
		Str("type", string(c.Type)).
		Msg("ringing")
	if n.OnIncoming != nil {
		go n.OnIncoming(c)
	}
}

func (n *LogNotifier) CallUpdated(c models.Call) {
	ev := n.Logger.Info().Str("callId", c.ID).Str("status", string(c.Status))
	if c.StartedAt != nil {
		ev = ev.Time("startedAt", *c.StartedAt)
	}
	if c.EndedAt != nil {
		ev = ev.Time("endedAt", *c.EndedAt)
	}
	ev.Msg("call updated")
}

func (n *LogNotifier) Notify(notice controller.Notice) {
	if notice.Err != nil {
		n.Logger.Error().Err(notice.Err).Str("callId", notice.CallID).Msg(notice.Message)
		return
	}
	n.Logger.Info().Str("callId", notice.CallID).Msg(notice.Message)
}
