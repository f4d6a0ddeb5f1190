package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsBaseReconnectDelay = 500 * time.Millisecond
	wsMaxReconnectDelay  = 30 * time.Second
)

// WebsocketSource delivers change signals over a websocket push channel.
// It reconnects silently with exponential backoff; after a reconnect it
// signals every subscribed table once, since notifications may have been
// missed while the channel was down.
type WebsocketSource struct {
	url    string
	logger Logger
	router *router

	baseDelay time.Duration
	maxDelay  time.Duration

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewWebsocketSource(url string, logger Logger) (*WebsocketSource, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("websocket url is required")
	}
	return &WebsocketSource{
		url:       url,
		logger:    logger,
		router:    newRouter(),
		baseDelay: wsBaseReconnectDelay,
		maxDelay:  wsMaxReconnectDelay,
		done:      make(chan struct{}),
	}, nil
}

// Start opens the channel and keeps it open until ctx is cancelled or
// Close is called. Subsequent calls are no-ops.
func (s *WebsocketSource) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go s.run(runCtx)
	})
}

func (s *WebsocketSource) Subscribe(table string, onChange func()) (*Handle, error) {
	if strings.TrimSpace(table) == "" || onChange == nil {
		return nil, fmt.Errorf("table and callback are required")
	}
	return s.router.add(table, onChange), nil
}

func (s *WebsocketSource) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
		s.router.clear()
	})
	return nil
}

func (s *WebsocketSource) run(ctx context.Context) {
	delay := s.baseDelay
	connectedBefore := false
	for {
		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logf("change feed dial %s: %v", s.url, err)
			if !s.wait(ctx, delay) {
				return
			}
			delay = nextDelay(delay, s.maxDelay)
			continue
		}
		delay = s.baseDelay
		if connectedBefore {
			s.router.dispatchAll()
		}
		connectedBefore = true

		s.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if !s.wait(ctx, delay) {
			return
		}
		delay = nextDelay(delay, s.maxDelay)
	}
}

func (s *WebsocketSource) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logf("change feed read: %v", err)
			}
			return
		}
		ev, err := ParseEvent(data)
		if err != nil {
			s.logf("dropping malformed change event: %v", err)
			continue
		}
		s.router.dispatch(ev.Table)
	}
}

func (s *WebsocketSource) wait(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current, max time.Duration) time.Duration {
	current *= 2
	if current > max {
		return max
	}
	return current
}

func (s *WebsocketSource) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
