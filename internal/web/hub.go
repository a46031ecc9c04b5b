package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	cws "github.com/coder/websocket"
	"golang.org/x/time/rate"

	"dailycast/internal/broadcast"
	"dailycast/internal/eventbus"
	"dailycast/internal/messenger"
	logx "dailycast/pkg/logx"
)

const (
	clientQueue    = 64
	writeTimeout   = 5 * time.Second
	maxInboundSize = 64 << 10
)

// Hub fans bus events out to every connected dashboard and dispatches
// inbound commands to the broadcaster.
type Hub struct {
	bc     Broadcaster
	status StatusSource
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	// jobs tracks testSend broadcasts started by clients.
	jobs sync.WaitGroup

	inboundRate  rate.Limit
	inboundBurst int

	// subscribed is closed once Run listens on the bus.
	subscribed chan struct{}
	subOnce    sync.Once
}

type client struct {
	id   uint64
	send chan []byte
	// closeSlow drops a client that cannot keep up.
	closeSlow func()
}

func NewHub(bc Broadcaster, status StatusSource, bus eventbus.Bus, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		bc:           bc,
		status:       status,
		bus:          bus,
		log:          log.With(logx.String("comp", "web.hub")),
		clients:      map[*client]struct{}{},
		inboundRate:  5,
		inboundBurst: 10,
		subscribed:   make(chan struct{}),
	}
}

// Clients returns the number of connected dashboards.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run forwards bus events to clients until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ch, unsub := h.bus.Subscribe(256,
		eventbus.TypeBroadcastLog,
		eventbus.TypeScheduleUpdated,
		eventbus.TypeMessengerQR,
		eventbus.TypeMessengerReady,
		eventbus.TypeMessengerDisconnected,
	)
	defer unsub()
	h.subOnce.Do(func() { close(h.subscribed) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if f, ok := frameFor(ev); ok {
				h.broadcast(f)
			}
		}
	}
}

// Wait blocks until client-started broadcasts finish or ctx is done.
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func frameFor(ev eventbus.Event) (Frame, bool) {
	switch ev.Type {
	case eventbus.TypeBroadcastLog:
		if e, ok := ev.Data.(broadcast.Event); ok {
			return Frame{Event: EventLog, Data: e}, true
		}
	case eventbus.TypeScheduleUpdated:
		if s, ok := ev.Data.(broadcast.Schedule); ok {
			return Frame{Event: EventConfig, Data: s}, true
		}
	case eventbus.TypeMessengerQR:
		if st, ok := ev.Data.(messenger.Status); ok {
			return Frame{Event: EventQR, Data: st.QR}, true
		}
	case eventbus.TypeMessengerReady:
		return Frame{Event: EventReady}, true
	case eventbus.TypeMessengerDisconnected:
		if st, ok := ev.Data.(messenger.Status); ok {
			return Frame{Event: EventDisconnected, Data: st.Reason}, true
		}
		return Frame{Event: EventDisconnected}, true
	}
	return Frame{}, false
}

func (h *Hub) broadcast(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		h.log.Warn("frame encode failed", logx.String("event", f.Event), logx.Err(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			go c.closeSlow()
		}
	}
}

// replay is what a freshly connected client sees: connection state, then the schedule.
func (h *Hub) replay() []Frame {
	var out []Frame
	if h.status != nil {
		switch st := h.status.Status(); st.State {
		case messenger.StatePairing:
			out = append(out, Frame{Event: EventQR, Data: st.QR})
		case messenger.StateReady:
			out = append(out, Frame{Event: EventReady})
		default:
			out = append(out, Frame{Event: EventDisconnected, Data: st.Reason})
		}
	}
	return append(out, Frame{Event: EventConfig, Data: h.bc.Schedule()})
}

var clientSeq atomic.Uint64

// ServeHTTP upgrades to a websocket and serves one dashboard until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := cws.Accept(w, r, &cws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Debug("websocket accept failed", logx.Err(err))
		return
	}
	conn.SetReadLimit(maxInboundSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{id: clientSeq.Add(1), send: make(chan []byte, clientQueue)}
	c.closeSlow = func() {
		conn.Close(cws.StatusPolicyViolation, "connection too slow to keep up with messages")
		cancel()
	}
	log := h.log.With(logx.Any("client", c.id))

	// Snapshot and register under one lock so no live event is lost in between.
	h.mu.Lock()
	for _, f := range h.replay() {
		if b, err := json.Marshal(f); err == nil {
			c.send <- b
		}
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Info("dashboard connected", logx.Int("clients", n))

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		n := len(h.clients)
		h.mu.Unlock()
		log.Info("dashboard disconnected", logx.Int("clients", n))
	}()

	go h.writeLoop(ctx, conn, c, cancel)
	err = h.readLoop(ctx, conn, c, log)
	switch cws.CloseStatus(err) {
	case cws.StatusNormalClosure, cws.StatusGoingAway:
		conn.Close(cws.StatusNormalClosure, "")
	default:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Debug("websocket read ended", logx.Err(err))
		}
		conn.CloseNow()
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *cws.Conn, c *client, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, cws.MessageText, b)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *cws.Conn, c *client, log logx.Logger) error {
	lim := rate.NewLimiter(h.inboundRate, h.inboundBurst)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != cws.MessageText {
			continue
		}
		if !lim.Allow() {
			log.Warn("inbound frame dropped (rate limited)")
			h.reply(c, logFrame(broadcast.LevelError, "Too many requests; slow down"))
			continue
		}
		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			h.reply(c, logFrame(broadcast.LevelError, "Malformed message: "+err.Error()))
			continue
		}
		h.dispatch(ctx, c, in, log)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *client, in inboundFrame, log logx.Logger) {
	switch in.Event {
	case EventUpdateConfig:
		var next broadcast.Schedule
		if err := json.Unmarshal(in.Data, &next); err != nil {
			h.reply(c, logFrame(broadcast.LevelError, "Invalid configuration payload: "+err.Error()))
			return
		}
		_, err := h.bc.UpdateConfig(context.WithoutCancel(ctx), next)
		var ve *broadcast.ValidationError
		switch {
		case errors.As(err, &ve):
			h.reply(c, logFrame(broadcast.LevelError, "Configuration rejected: "+ve.Error()))
		case err != nil:
			// Persistence failures are already emitted to every client.
			log.Warn("configuration update incomplete", logx.Err(err))
		default:
			log.Info("configuration updated from dashboard")
		}
	case EventTestSend:
		h.jobs.Add(1)
		go func() {
			defer h.jobs.Done()
			// Busy rejections are emitted by the broadcaster itself.
			if _, err := h.bc.RunBroadcast(context.Background()); err != nil && !errors.Is(err, broadcast.ErrBusy) {
				log.Warn("test send failed", logx.Err(err))
			}
		}()
	default:
		log.Debug("unknown inbound event", logx.String("event", in.Event))
	}
}

// reply queues a frame for one client only.
func (h *Hub) reply(c *client, f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
		go c.closeSlow()
	}
}
