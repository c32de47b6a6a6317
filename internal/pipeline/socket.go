package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

const (
	formatJSON = "json"
	formatCBOR = "cbor"

	writeWait = 5 * time.Second
)

// SocketSettings configures the socket pipeline.
type SocketSettings struct {
	Format string          `yaml:"format"`
	Listen string          `yaml:"listen"`
	Path   string          `yaml:"path"`
	Poll   config.Duration `yaml:"poll"`
}

func defaultSocketSettings() SocketSettings {
	return SocketSettings{
		Format: formatJSON,
		Listen: "127.0.0.1:8765",
		Path:   "/ws",
		Poll:   config.Duration{Duration: 250 * time.Millisecond},
	}
}

func decodeSocketSettings(settings Settings) (SocketSettings, error) {
	cfg := defaultSocketSettings()
	if err := settings.Decode(&cfg); err != nil {
		return cfg, err
	}
	if cfg.Format != formatJSON && cfg.Format != formatCBOR {
		return cfg, apperrors.Newf(apperrors.ErrCodeConfigInvalid,
			"socket format must be %s or %s, got %q", formatJSON, formatCBOR, cfg.Format)
	}
	if cfg.Poll.Duration <= 0 {
		cfg.Poll.Duration = defaultSocketSettings().Poll.Duration
	}
	return cfg, nil
}

// cborMode encodes with sorted map keys so equal snapshots give equal frames.
var cborMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("pipeline: CBOR encoder initialization failed: " + err.Error())
	}
	return mode
}()

// socketProcessor encodes each tick into the proxy; the entry point
// broadcasts new versions to websocket clients.
type socketProcessor struct {
	format string
	proxy  *Proxy
	now    func() time.Time
}

func newSocketEntry(logger *zap.Logger) Entry {
	proxy := NewProxy()
	return Entry{
		Name:        "socket",
		Description: "websocket broadcast of every tick as JSON or CBOR frames",
		Proxy:       proxy,
		Factory: func(settings Settings, proxy *Proxy) (Processor, error) {
			cfg, err := decodeSocketSettings(settings)
			if err != nil {
				return nil, err
			}
			return &socketProcessor{format: cfg.Format, proxy: proxy, now: time.Now}, nil
		},
		EntryPoint: func(ctx context.Context, settings Settings, proxy *Proxy) error {
			cfg, err := decodeSocketSettings(settings)
			if err != nil {
				return err
			}
			return newBroadcaster(cfg, proxy, logger).Serve(ctx)
		},
	}
}

func (p *socketProcessor) Process(_ context.Context, snapshots []*models.MetricsSnapshot) error {
	b, err := encodeFrame(p.format, snapshots)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "encoding socket frame", err)
	}
	p.proxy.Publish(b, nil, p.now())
	return nil
}

func (p *socketProcessor) Close() error { return nil }

func encodeFrame(format string, snapshots []*models.MetricsSnapshot) ([]byte, error) {
	if format == formatCBOR {
		return cborMode.Marshal(snapshots)
	}
	return json.Marshal(snapshots)
}

// broadcaster serves the websocket endpoint and pushes every new proxy
// version to all connected clients.
type broadcaster struct {
	cfg      SocketSettings
	proxy    *Proxy
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newBroadcaster(cfg SocketSettings, proxy *Proxy, logger *zap.Logger) *broadcaster {
	return &broadcaster{
		cfg:    cfg,
		proxy:  proxy,
		logger: logger.Named("socket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 8192,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (b *broadcaster) messageType() int {
	if b.cfg.Format == formatCBOR {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// Serve listens until ctx ends.
func (b *broadcaster) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(b.cfg.Path, b.handle)
	srv := &http.Server{
		Addr:              b.cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go b.pump(ctx, b.proxy.Version())

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("Socket pipeline listening", zap.String("addr", b.cfg.Listen), zap.String("path", b.cfg.Path))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	b.closeAll()
	return err
}

func (b *broadcaster) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	if frame := b.proxy.Load(); frame.Version > 0 {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(b.messageType(), frame.Bytes); err != nil {
			conn.Close()
			return
		}
	}

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()
	b.logger.Debug("Client connected", zap.String("remote", r.RemoteAddr))

	// Clients never send data; reading surfaces the close frame.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	b.remove(conn)
}

// pump polls the proxy and broadcasts every version after seen. Older
// frames reach clients through the connect-time send only.
func (b *broadcaster) pump(ctx context.Context, seen uint64) {
	ticker := time.NewTicker(b.cfg.Poll.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if b.proxy.Version() == seen {
			continue
		}
		frame := b.proxy.Load()
		seen = frame.Version
		b.broadcast(frame.Bytes)
	}
}

func (b *broadcaster) broadcast(msg []byte) {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for c := range b.clients {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(b.messageType(), msg); err != nil {
			b.logger.Debug("Dropping client", zap.Error(err))
			b.remove(c)
		}
	}
}

func (b *broadcaster) remove(c *websocket.Conn) {
	b.mu.Lock()
	_, ok := b.clients[c]
	delete(b.clients, c)
	b.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		c.Close()
		delete(b.clients, c)
	}
}
