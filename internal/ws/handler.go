package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/meshdraw/internal/hub"
)

type Options struct {
	Logger *zap.Logger
	// Frames per second a single connection may send, with Burst headroom.
	RateLimit      rate.Limit
	Burst          int
	OutboxSize     int
	WriteTimeout   time.Duration
	ReadLimit      int64
	OriginPatterns []string
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 50
	}
	if o.Burst <= 0 {
		o.Burst = 100
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
}

// Handler upgrades the request and bridges the socket to the hub: every text
// frame goes in as one relay line and every outbox line goes back out.
func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	opts.defaults()
	log := opts.Logger.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		out := make(chan string, opts.OutboxSize)
		reply := make(chan uint32, 1)
		select {
		case h.Inbox() <- hub.Register{Outbox: out, Reply: reply}:
		case <-h.Done():
			http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		}
		var clientID uint32
		select {
		case clientID = <-reply:
		case <-h.Done():
			http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
			return
		}
		unregister := func() {
			select {
			case h.Inbox() <- hub.Unregister{ClientID: clientID}:
			case <-h.Done():
			}
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Warn("accept", zap.Uint32("client", clientID), zap.Error(err))
			unregister()
			return
		}
		defer conn.CloseNow()
		defer unregister()
		conn.SetReadLimit(opts.ReadLimit)
		log.Info("client connected", zap.Uint32("client", clientID), zap.String("remote", r.RemoteAddr))

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for line := range out {
				ctx, cancel := context.WithTimeout(writeCtx, opts.WriteTimeout)
				err := conn.Write(ctx, websocket.MessageText, []byte(line))
				cancel()
				if err != nil {
					log.Debug("write", zap.Uint32("client", clientID), zap.Error(err))
					_ = conn.CloseNow()
					return
				}
			}
			// The hub closed our outbox: we were dropped or it is stopping.
			_ = conn.Close(websocket.StatusGoingAway, "dropped by relay")
		}()

		limiter := rate.NewLimiter(opts.RateLimit, opts.Burst)
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					log.Info("client left", zap.Uint32("client", clientID))
				default:
					log.Debug("read", zap.Uint32("client", clientID), zap.Error(err))
				}
				return
			}
			if typ != websocket.MessageText {
				log.Warn("dropping binary frame", zap.Uint32("client", clientID))
				continue
			}
			if !limiter.Allow() {
				log.Warn("rate limited, dropping frame", zap.Uint32("client", clientID))
				continue
			}
			select {
			case h.Inbox() <- hub.Inbound{From: clientID, Line: string(data)}:
			case <-h.Done():
				return
			}
		}
	}
}
