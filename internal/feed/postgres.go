package feed

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

// NotifyChannel is the Postgres NOTIFY channel the remote store publishes
// change envelopes on (one NOTIFY per row-level insert/update/delete).
const NotifyChannel = "crewboard_changes"

const (
	pgMinReconnectInterval = 10 * time.Second
	pgMaxReconnectInterval = time.Minute
	pgPingInterval         = 90 * time.Second
)

// PostgresSource delivers change signals via LISTEN/NOTIFY. pq.Listener
// reconnects on its own; consumers see a transient disconnect only as a
// later burst of signals, never as an error.
type PostgresSource struct {
	listener *pq.Listener
	logger   Logger
	router   *router

	done      chan struct{}
	closeOnce sync.Once
}

func NewPostgresSource(dsn string, logger Logger) (*PostgresSource, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("change feed dsn is required")
	}
	s := &PostgresSource{
		logger: logger,
		router: newRouter(),
		done:   make(chan struct{}),
	}
	s.listener = pq.NewListener(dsn, pgMinReconnectInterval, pgMaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.logf("change feed listener: %v", err)
			}
		})
	if err := s.listener.Listen(NotifyChannel); err != nil {
		s.listener.Close()
		return nil, fmt.Errorf("listening on %s: %w", NotifyChannel, err)
	}
	go s.run()
	return s, nil
}

func (s *PostgresSource) Subscribe(table string, onChange func()) (*Handle, error) {
	if strings.TrimSpace(table) == "" || onChange == nil {
		return nil, fmt.Errorf("table and callback are required")
	}
	return s.router.add(table, onChange), nil
}

func (s *PostgresSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.listener.Close()
		s.router.clear()
	})
	return err
}

func (s *PostgresSource) run() {
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// pq sends nil after re-establishing the connection.
				// Anything may have changed while we were away, so
				// signal every subscribed table.
				s.router.dispatchAll()
				continue
			}
			ev, err := ParseEvent([]byte(n.Extra))
			if err != nil {
				s.logf("dropping malformed change event: %v", err)
				continue
			}
			s.router.dispatch(ev.Table)
		case <-time.After(pgPingInterval):
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.logf("change feed ping: %v", err)
				}
			}()
		}
	}
}

func (s *PostgresSource) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
