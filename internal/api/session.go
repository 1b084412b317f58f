package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"loom/internal/server"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Session sockets are authenticated by pairing code, not origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SessionHandler builds the handler bound on the inference server's own
// listener. Admission happens inside the socket so a rejection can carry a
// reason code back to the client.
func SessionHandler(srv *server.Server, logger *logrus.Logger) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/v1/session/ws", serveSession(srv, logger))
	return r
}

func serveSession(srv *server.Server, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.WithError(err).Debug("session upgrade failed")
			return
		}
		defer conn.Close()

		var admit server.AdmitFrame
		if err := conn.ReadJSON(&admit); err != nil {
			logger.WithError(err).Debug("failed to read admission frame")
			return
		}

		session, err := srv.Admit(admit.RequestID, admit.ClientID, admit.PairingCode)
		if err != nil {
			conn.WriteJSON(server.AdmitReplyFrame{Admitted: false, Error: server.WireError(err)})
			logger.WithFields(logrus.Fields{
				"client": admit.ClientID,
				"reason": server.WireError(err),
			}).Info("admission rejected")
			return
		}

		if err := conn.WriteJSON(server.AdmitReplyFrame{
			Admitted:  true,
			SessionID: session.ID,
			Price:     session.Price,
		}); err != nil {
			srv.Complete(session, server.OutcomeFailure)
			return
		}

		// Nothing runs until the client agrees to the admitted price. A
		// declined slot is released without an outcome: the client walking
		// away from a price is not a failed interaction.
		var accept server.AcceptFrame
		if err := conn.ReadJSON(&accept); err != nil || !accept.Accept {
			srv.Release(session)
			logger.WithFields(logrus.Fields{
				"client": admit.ClientID,
				"reason": accept.Reason,
			}).Info("session declined before execution")
			return
		}

		exec := srv.Executor()
		if exec == nil {
			conn.WriteJSON(server.ResultFrame{Error: "no model runtime attached"})
			srv.Complete(session, server.OutcomeFailure)
			return
		}

		err = exec.Execute(session.Context(), admit.Payload, func(chunk []byte) error {
			return conn.WriteJSON(server.ResultFrame{Chunk: chunk})
		})
		if err != nil {
			conn.WriteJSON(server.ResultFrame{Error: err.Error()})
			srv.Complete(session, server.OutcomeFailure)
			logger.WithError(err).WithField("session", session.ID).Warn("session failed")
			return
		}

		conn.WriteJSON(server.ResultFrame{Done: true})
		srv.Complete(session, server.OutcomeSuccess)
	}
}
