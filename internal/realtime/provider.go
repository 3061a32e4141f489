package realtime

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"marginalia/internal/textdoc"
)

type ProviderConfig struct {
	// URL is the relay websocket endpoint of the document.
	URL        string
	DocumentID string
	Token      string
	// Cache is optional.
	Cache ReplicaCache
	// NewBackOff builds the reconnect schedule of one outage.
	NewBackOff func() backoff.BackOff
	Dialer     *websocket.Dialer
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Provider keeps a local document replica connected to the relay. It moves
// the tracker to loaded once the cached replica is applied and to synced
// after the relay's sync_done, and back to loaded whenever the connection
// drops.
type Provider struct {
	cfg   ProviderConfig
	doc   *textdoc.Document
	state *StateTracker

	mu   sync.Mutex
	send chan []byte
	stop func()
}

func NewProvider(cfg ProviderConfig, doc *textdoc.Document) *Provider {
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = defaultBackOff
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Provider{cfg: cfg, doc: doc, state: NewStateTracker()}
}

func (p *Provider) State() *StateTracker {
	return p.state
}

// Run blocks until ctx ends, reconnecting as needed.
func (p *Provider) Run(ctx context.Context) error {
	if err := p.loadCache(ctx); err != nil {
		log.Printf("realtime: load cached replica of %s: %v", p.cfg.DocumentID, err)
	}
	p.state.Set(StateLoaded)

	unsubscribe := p.doc.Subscribe(p.onDocumentEvent)
	defer unsubscribe()
	defer p.compactCache()

	for {
		conn, err := p.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := p.session(ctx, conn); err != nil && ctx.Err() == nil {
			log.Printf("realtime: connection to %s lost: %v", p.cfg.DocumentID, err)
		}
		p.state.Set(StateLoaded)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (p *Provider) loadCache(ctx context.Context) error {
	if p.cfg.Cache == nil {
		return nil
	}
	cached, err := p.cfg.Cache.Load(ctx, p.cfg.DocumentID)
	if err != nil {
		return err
	}
	if cached.Empty() {
		return nil
	}
	return p.doc.Apply(cached)
}

func (p *Provider) compactCache() {
	if p.cfg.Cache == nil {
		return
	}
	full := p.doc.UpdatesSince(nil)
	if err := p.cfg.Cache.Compact(context.Background(), p.cfg.DocumentID, full); err != nil {
		log.Printf("realtime: compact cached replica of %s: %v", p.cfg.DocumentID, err)
	}
}

func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if p.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
	var conn *websocket.Conn
	operation := func() error {
		c, resp, err := p.cfg.Dialer.DialContext(ctx, p.cfg.URL, header)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("relay refused %s: %s", p.cfg.DocumentID, resp.Status))
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("realtime: dial %s: %v (retry in %s)", p.cfg.URL, err, wait)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(p.cfg.NewBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// session runs one connection until it fails or ctx ends.
func (p *Provider) session(ctx context.Context, conn *websocket.Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	send := make(chan []byte, sendBuffer)

	p.mu.Lock()
	p.send = send
	p.stop = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.send = nil
		p.stop = nil
		p.mu.Unlock()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sessionCtx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		conn.Close()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case data := <-send:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
	defer wg.Wait()

	request, err := EncodeFrame(Frame{Type: FrameSyncRequest, StateVector: p.doc.StateVector()})
	if err != nil {
		return err
	}
	send <- request

	conn.SetReadLimit(maxMessageSize)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			cancel()
			return err
		}
		frame, err := DecodeFrame(message)
		if err != nil {
			log.Printf("realtime: %v", err)
			continue
		}
		switch frame.Type {
		case FrameUpdate:
			if err := p.doc.Apply(*frame.Update); err != nil {
				log.Printf("realtime: apply relay update for %s: %v", p.cfg.DocumentID, err)
			}
		case FrameSyncDone:
			if missing := p.doc.UpdatesSince(frame.StateVector); !missing.Empty() {
				p.push(missing)
			}
			p.state.Set(StateSynced)
		}
	}
}

func (p *Provider) onDocumentEvent(ev textdoc.Event) {
	if p.cfg.Cache != nil {
		if err := p.cfg.Cache.Append(context.Background(), p.cfg.DocumentID, ev.Update); err != nil {
			log.Printf("realtime: cache update of %s: %v", p.cfg.DocumentID, err)
		}
	}
	if ev.Origin == textdoc.OriginLocal {
		p.push(ev.Update)
	}
}

// push sends u to the relay if connected. Offline edits reach the relay in
// the sync_done exchange of the next connection.
func (p *Provider) push(u textdoc.Update) {
	data, err := EncodeFrame(Frame{Type: FrameUpdate, Update: &u})
	if err != nil {
		log.Printf("realtime: encode update: %v", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.send == nil {
		return
	}
	select {
	case p.send <- data:
	default:
		// drop the connection so the next one resyncs
		p.stop()
	}
}
