package handlers

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/relay/internal/dispatch"
	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/fragment"
	"github.com/energizer-project/relay/internal/priority"
	"github.com/energizer-project/relay/internal/protocol"
)

// Fragments reassembles messages split by the sender. A completed message
// is fed back into ingress stamped with the arrival time of its first
// segment; a failed one is answered with FragmentAbort. Segments of one
// sender are handled in the order they arrived.
func Fragments(deps Deps) dispatch.Module {
	h := &fragmentHandler{re: deps.Reassembler, bus: deps.Bus}
	return func(t *dispatch.Table) {
		for _, msgType := range []protocol.MessageType{
			protocol.MsgFragmentStart,
			protocol.MsgFragmentData,
			protocol.MsgFragmentEnd,
		} {
			t.SetMinimumPriority(msgType, priority.Critical)
			t.SetOrdered(msgType)
		}
		t.Register(protocol.MsgFragmentStart, h.onStart)
		t.Register(protocol.MsgFragmentData, h.onData)
		t.Register(protocol.MsgFragmentEnd, h.onEnd)
	}
}

type fragmentHandler struct {
	re  *fragment.Reassembler
	bus *events.EventBus
}

func (h *fragmentHandler) onStart(c *dispatch.Context) error {
	st, err := fragment.ParseStart(c.Payload)
	if err != nil {
		return err
	}
	if err := h.re.Begin(c.Client.Key(), st); err != nil {
		return h.abort(c, st.SessionID, err)
	}
	return nil
}

func (h *fragmentHandler) onData(c *dispatch.Context) error {
	d, err := fragment.ParseData(c.Payload)
	if err != nil {
		return err
	}
	err = h.re.Add(c.Client.Key(), d)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fragment.ErrClosed):
		log.Debug().Err(err).Uint16("client_id", c.Client.ID).Msg("late fragment ignored")
		return nil
	case errors.Is(err, fragment.ErrIndexOutOfRange):
		log.Debug().Err(err).Uint16("client_id", c.Client.ID).Msg("fragment rejected")
		return nil
	default:
		h.re.Abort(c.Client.Key(), d.SessionID)
		return h.abort(c, d.SessionID, err)
	}
}

func (h *fragmentHandler) onEnd(c *dispatch.Context) error {
	id, err := fragment.ParseSessionID(c.Payload)
	if err != nil {
		return err
	}
	msg, err := h.re.Finish(c.Client.Key(), id)
	if err != nil {
		return h.abort(c, id, err)
	}
	raw, err := msg.Frame()
	if err != nil {
		return h.abort(c, id, err)
	}
	c.Transport.Inject(c.Client.Remote(), raw, msg.ReceivedAt)
	return nil
}

// abort drops the session, tells the sender and reports the cause.
func (h *fragmentHandler) abort(c *dispatch.Context, id uint16, cause error) error {
	log.Warn().
		Err(cause).
		Uint16("client_id", c.Client.ID).
		Uint16("session_id", id).
		Msg("fragment session failed")
	emit(h.bus, events.EventFragmentFailed, events.FragmentFailedPayload{
		ClientID:  c.Client.ID,
		SessionID: id,
		Error:     cause.Error(),
	})
	out := protocol.NewBuffer(2)
	out.WriteBytes(fragment.EncodeSessionID(id))
	return c.Reply(out, protocol.MsgFragmentAbort, priority.Critical)
}
