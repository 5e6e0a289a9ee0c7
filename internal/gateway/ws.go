package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

const (
	readLimit    = 64 << 10
	writeTimeout = 10 * time.Second
)

// ServeHTTP upgrades the request to a websocket and serves the RPC channel
// on it until either side closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Origins are checked per frame so foreign traffic is dropped silently
	// instead of failing the handshake.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		g.log.WithFields(logrus.Fields{"error": err}).Warn("gateway: websocket accept failed")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	src := Source{Origin: r.Header.Get("Origin"), Addr: remoteHost(r.RemoteAddr)}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var p *peer
	if g.OriginAllowed(src.Origin) {
		p = g.hub.join(src.Origin)
		defer g.hub.leave(p)
		go g.writeLoop(ctx, cancel, conn, p)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				g.log.WithFields(logrus.Fields{"error": err}).Debug("gateway: read ended")
			}
			return
		}
		if typ != websocket.MessageText || p == nil {
			continue
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		resp, ok := g.Handle(ctx, src, req)
		if !ok {
			continue
		}
		frame, err := json.Marshal(resp)
		if err != nil {
			g.log.WithFields(logrus.Fields{"method": req.Method, "error": err}).Error("gateway: encode response")
			continue
		}
		if err := p.send(ctx, frame); err != nil {
			return
		}
	}
}

func (g *Gateway) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, p *peer) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-p.out:
			wctx, done := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			done()
			if err != nil {
				g.log.WithFields(logrus.Fields{"peer": p.id, "error": err}).Debug("gateway: write failed")
				return
			}
		}
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
