package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/familysync/familysync/internal/fanout"
)

// Change messages the server pushes on its sync stream.
const (
	MessageSyncShopping = "SYNC_SHOPPING_ITEMS"
	MessageSyncCalendar = "SYNC_CALENDAR_EVENTS"
)

type StreamMessage struct {
	Type string `json:"type"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type SocketWatcherOptions struct {
	// URL of the server's sync stream, e.g. ws://host/api/sync/stream.
	URL          string
	Token        string
	HTTPClient   *http.Client
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	DialTimeout  time.Duration
	Logger       Logger
	InitialState bool
}

// SocketWatcher treats an open sync stream as "online". The connection
// drops when the network does, which gives edge-triggered transitions
// without polling.
type SocketWatcher struct {
	*Manual

	url        string
	token      string
	httpClient *http.Client
	minBackoff time.Duration
	maxBackoff time.Duration
	dialTO     time.Duration
	logger     Logger
	messages   fanout.Set[StreamMessage]
}

func NewSocketWatcher(opts SocketWatcherOptions) (*SocketWatcher, error) {
	raw := strings.TrimSpace(opts.URL)
	if raw == "" {
		return nil, errors.New("stream url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, errors.New("stream url must use ws, wss, http or https")
	}
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = 500 * time.Millisecond
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	dialTO := opts.DialTimeout
	if dialTO <= 0 {
		dialTO = 10 * time.Second
	}
	return &SocketWatcher{
		Manual:     NewManual(opts.InitialState),
		url:        parsed.String(),
		token:      strings.TrimSpace(opts.Token),
		httpClient: opts.HTTPClient,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		dialTO:     dialTO,
		logger:     opts.Logger,
	}, nil
}

// OnMessage subscribes to change notifications pushed by the server.
func (w *SocketWatcher) OnMessage(fn func(StreamMessage)) func() {
	return w.messages.Subscribe(fn)
}

// Run keeps the stream connected until ctx is done. It reports offline
// before returning.
func (w *SocketWatcher) Run(ctx context.Context) error {
	backoff := w.minBackoff
	for {
		connected, err := w.session(ctx)
		w.SetOnline(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = w.minBackoff
		}
		if err != nil {
			w.logf("sync stream disconnected: %v", err)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
	}
}

func (w *SocketWatcher) session(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, w.dialTO)
	defer cancel()
	header := http.Header{}
	if w.token != "" {
		header.Set("Authorization", "Bearer "+w.token)
	}
	conn, _, err := websocket.Dial(dialCtx, w.url, &websocket.DialOptions{
		HTTPClient: w.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	w.SetOnline(true)
	for {
		var msg StreamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, nil
			}
			return true, err
		}
		if msg.Type == "" {
			continue
		}
		w.messages.Emit(msg)
	}
}

func (w *SocketWatcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
