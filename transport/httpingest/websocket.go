package httpingest

import (
	"github.com/meow-io/go-inbound/bencode"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/transport"
	"github.com/olahol/melody"
)

type frame struct {
	ID                      uint64 `bencode:"i"`
	ServerDeliveryTimestamp uint64 `bencode:"ts"`
	Envelope                []byte `bencode:"e"`
}

type reply struct {
	ID    uint64  `bencode:"i"`
	Ack   bool    `bencode:"a"`
	Error *string `bencode:"e,omitempty"`
}

// handleFrame answers each frame on its own goroutine, so one slow envelope does not hold up reading the next.
func (s *Server) handleFrame(sess *melody.Session, msg []byte) {
	f := &frame{}
	if err := bencode.Deserialize(msg, f); err != nil {
		s.log.Warnf("malformed frame from %s: %v", sess.Request.RemoteAddr, err)
		message := "malformed frame"
		s.reply(sess, &reply{Ack: false, Error: &message})
		return
	}
	source := envelope.SourceWebsocketIdentified
	if v, ok := sess.Get("source"); ok {
		if src, ok := v.(envelope.Source); ok {
			source = src
		}
	}

	go func() {
		o := transport.Deliver(sess.Request.Context(), s.pipeline, s.log, f.Envelope, f.ServerDeliveryTimestamp, source)
		r := &reply{ID: f.ID, Ack: o.Ack}
		if o.Err != nil {
			message := o.Err.Error()
			r.Error = &message
		}
		s.reply(sess, r)
	}()
}

func (s *Server) reply(sess *melody.Session, r *reply) {
	out, err := bencode.Serialize(r)
	if err != nil {
		s.log.Warnf("error encoding reply: %v", err)
		return
	}
	if err := sess.WriteBinary(out); err != nil {
		s.log.Debugf("error writing reply %d: %v", r.ID, err)
	}
}
