package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratacms/strata/common"
)

// LogEventHandler is called for every committed realtime log entry.
type LogEventHandler func(entry *LogEntry)

// Listener subscribes to the realtime NOTIFY channel and dispatches decoded
// log entries. The LISTEN connection reconnects with a one second backoff.
type Listener struct {
	pool     *pgxpool.Pool
	channel  string
	handlers []LogEventHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
}

// NewListener creates a subscriber on the realtime channel.
func NewListener(pool *pgxpool.Pool) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		pool:    pool,
		channel: LogChannel,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnEvent registers a handler for log entries.
func (l *Listener) OnEvent(handler LogEventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
}

// Start begins listening. Safe to call more than once.
func (l *Listener) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	go l.listenLoop()
}

// Stop terminates the LISTEN connection.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	l.cancel()
}

func (l *Listener) listenLoop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
			if err := l.listen(); err != nil {
				if l.ctx.Err() != nil {
					return
				}
				common.Logger.WithError(err).Warn("realtime listener disconnected, reconnecting in 1s")
				select {
				case <-l.ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}
}

func (l *Listener) listen() error {
	conn, err := l.pool.Acquire(l.ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(l.ctx, fmt.Sprintf("LISTEN %s", l.channel)); err != nil {
		return fmt.Errorf("failed to start LISTEN: %w", err)
	}
	common.Logger.WithField("channel", l.channel).Debug("realtime listener connected")

	for {
		notification, err := conn.Conn().WaitForNotification(l.ctx)
		if err != nil {
			return fmt.Errorf("notification wait error: %w", err)
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(notification.Payload), &entry); err != nil {
			common.Logger.WithError(err).Warn("failed to decode realtime notification")
			continue
		}
		l.dispatch(&entry)
	}
}

func (l *Listener) dispatch(entry *LogEntry) {
	l.mu.RLock()
	handlers := make([]LogEventHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()

	for _, handler := range handlers {
		go handler(entry)
	}
}
