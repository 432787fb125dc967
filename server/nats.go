package server

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/goforj/compcache/protocol"
)

// startNATS subscribes a request/reply responder serving the remote
// variant. NATS messages carry the msgpack envelopes directly; the stream
// framing is unnecessary since NATS delimits messages itself.
func (s *Server) startNATS(url, subject string) error {
	if subject == "" {
		return fmt.Errorf("server: nats url set without a subject")
	}
	nc, err := nats.Connect(url, nats.Name("compcached"))
	if err != nil {
		return fmt.Errorf("server: connect nats: %w", err)
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var req protocol.Request
		resp := protocol.Response{}
		if err := msgpack.Unmarshal(msg.Data, &req); err != nil {
			resp = protocol.Fail(protocol.CodeBadRequest, err.Error())
		} else {
			resp = s.dispatch(false, req)
		}
		data, err := msgpack.Marshal(resp)
		if err != nil {
			s.log.Error("encode nats response", zap.Error(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			s.log.Debug("nats respond", zap.Error(err))
		}
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("server: subscribe %s: %w", subject, err)
	}
	s.nc = nc
	s.sub = sub
	s.log.Info("nats responder started", zap.String("subject", subject))
	return nil
}
