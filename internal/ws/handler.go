package ws

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"deepforge/server/internal/metrics"
	"deepforge/server/internal/proto"
	"deepforge/server/internal/world"
)

// noDeadline clears a read deadline.
var noDeadline = time.Time{}

func nowPlusHandshake() time.Time { return time.Now().Add(world.HandshakeTimeout) }

// Handler upgrades websocket connections and runs the per-connection state
// machine: gate, awaiting-handshake, admitted, closed.
type Handler struct {
	registry *world.Registry
	gate     *Gate
	log      *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewHandler builds the websocket entry point.
func NewHandler(registry *world.Registry, gate *Gate, log *zap.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		registry: registry,
		gate:     gate,
		log:      log.Named("ws"),
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: true,
			// Origin is validated after the upgrade so rejects can use
			// the protocol's own close codes.
			CheckOrigin: func(r *nethttp.Request) bool { return true },
		},
	}
}

// Handle serves one connection for its entire lifetime.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	sess := newSession(conn)

	if origin := r.Header.Get("Origin"); !h.gate.OriginAllowed(origin) {
		h.log.Info("rejected origin", zap.String("origin", origin), zap.String("remote", r.RemoteAddr))
		sess.CloseWith(proto.CloseInvalidOrigin, "origin not allowed")
		return
	}
	if !h.gate.AllowIP(r.RemoteAddr) {
		h.log.Info("connection rate exceeded", zap.String("remote", r.RemoteAddr))
		sess.CloseWith(proto.CloseRateLimited, "connection rate exceeded")
		return
	}

	h.metrics.Connections.Inc()
	defer h.metrics.Connections.Dec()

	// The protocol bound is enforced per frame in the read loops so the
	// close code stays the protocol's own; the transport limit above it is
	// only a backstop.
	conn.SetReadLimit(2 * proto.MaxFrameSize)

	ctx := context.Background()
	adm := h.awaitHandshake(ctx, conn, sess)
	if adm == nil {
		return
	}
	h.serve(ctx, conn, sess, adm)
}

// awaitHandshake enforces the handshake deadline and runs admission. A nil
// return means the connection is already closed. Non-fatal admission
// failures (world_full) leave the connection awaiting another HELLO.
func (h *Handler) awaitHandshake(ctx context.Context, conn *websocket.Conn, sess *Session) *world.Admission {
	for {
		conn.SetReadDeadline(nowPlusHandshake())
		_, payload, err := conn.ReadMessage()
		if err != nil {
			sess.Send(proto.NewError(proto.CodeAuthFailed, "handshake not received", true))
			sess.CloseWith(proto.CloseNormal, "handshake timeout")
			return nil
		}
		if len(payload) > proto.MaxFrameSize {
			sess.CloseWith(proto.CloseProtocolError, "frame too large")
			return nil
		}

		var header proto.Header
		if err := json.Unmarshal(payload, &header); err != nil || header.Type != proto.TypeHello {
			h.fatal(sess, proto.NewError(proto.CodeAuthFailed, "expected HELLO", true))
			return nil
		}
		var hello proto.Hello
		if err := json.Unmarshal(payload, &hello); err != nil {
			h.fatal(sess, proto.NewError(proto.CodeAuthFailed, "malformed HELLO", true))
			return nil
		}

		adm, aerr := h.registry.Admit(ctx, hello, sess)
		if aerr != nil {
			if aerr.RedirectURL != "" {
				sess.Send(proto.Redirect{
					Type:            proto.TypeRedirect,
					ProtocolVersion: proto.ProtocolVersion,
					URL:             aerr.RedirectURL,
				})
				sess.CloseWith(proto.CloseNormal, "world hosted elsewhere")
				return nil
			}
			h.metrics.HandshakeErrors.WithLabelValues(aerr.Code).Inc()
			if aerr.Fatal {
				h.fatal(sess, proto.NewError(aerr.Code, aerr.Message, true))
				return nil
			}
			sess.Send(proto.NewError(aerr.Code, aerr.Message, false))
			continue
		}

		conn.SetReadDeadline(noDeadline)
		if err := sess.Send(adm.Welcome); err != nil {
			h.registry.Disconnect(ctx, adm.World, adm.Participant)
			sess.CloseWith(proto.CloseNormal, "welcome delivery failed")
			return nil
		}
		return adm
	}
}

// serve is the admitted-state read loop: frames are handled in arrival order
// on this goroutine only.
func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, sess *Session, adm *world.Admission) {
	w, p := adm.World, adm.Participant
	defer func() {
		h.registry.Disconnect(ctx, w, p)
		sess.CloseWith(proto.CloseNormal, "")
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(payload) > proto.MaxFrameSize {
			sess.CloseWith(proto.CloseProtocolError, "frame too large")
			return
		}
		// Any inbound frame, well-formed or not, counts as liveness.
		w.Touch(p)

		var header proto.Header
		if err := json.Unmarshal(payload, &header); err != nil {
			sess.Send(proto.NewError(proto.CodeInvalidRequest, "malformed frame", false))
			continue
		}

		switch header.Type {
		case proto.TypeInput:
			var msg proto.Input
			if err := json.Unmarshal(payload, &msg); err != nil {
				sess.Send(proto.NewError(proto.CodeInvalidRequest, "malformed INPUT", false))
				continue
			}
			w.HandleInput(p, msg)
		case proto.TypeSubscribe:
			var msg proto.Subscribe
			if err := json.Unmarshal(payload, &msg); err != nil {
				sess.Send(proto.NewError(proto.CodeInvalidRequest, "malformed SUBSCRIBE", false))
				continue
			}
			w.HandleSubscribe(ctx, p, msg)
		case proto.TypeBlockEditRequest:
			var msg proto.BlockEditRequest
			if err := json.Unmarshal(payload, &msg); err != nil {
				sess.Send(proto.NewError(proto.CodeInvalidRequest, "malformed BLOCK_EDIT_REQUEST", false))
				continue
			}
			w.ApplyEdit(ctx, p, msg)
		case proto.TypeHello:
			sess.Send(proto.NewError(proto.CodeInvalidRequest, "already admitted", false))
		default:
			sess.Send(proto.NewError(proto.CodeInvalidRequest, "unknown frame type", false))
		}
	}
}

// fatal sends a fatal ERROR frame and then closes with the normal code, per
// the protocol contract.
func (h *Handler) fatal(sess *Session, frame proto.ErrorFrame) {
	sess.Send(frame)
	sess.CloseWith(proto.CloseNormal, frame.Code)
}
