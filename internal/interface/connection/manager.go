package connection

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Handler は受け付けた1接続を処理する. 戻った時点で接続は閉じられる.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// HandlerFunc は関数を Handler として使うためのアダプター
type HandlerFunc func(ctx context.Context, conn net.Conn)

// ServeConn は f(ctx, conn) を呼ぶ
func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Manager はクライアント接続の受け付けと同時実行数を管理する
type Manager struct {
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	slots  *semaphore.Weighted // nil の場合は無制限
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewManager は新しいManagerインスタンスを作成
// maxConnections が0以下の場合、同時接続数は制限しない.
func NewManager(maxConnections int, logger zerolog.Logger) *Manager {
	m := &Manager{
		conns:  make(map[net.Conn]struct{}),
		logger: logger.With().Str("component", "server").Logger(),
	}
	if maxConnections > 0 {
		m.slots = semaphore.NewWeighted(int64(maxConnections))
	}
	return m
}

// Serve は ctx が終わるか ln が閉じられるまで接続を受け付ける.
// 各接続は空きスロットを得てから専用の goroutine で h に渡される.
// ハンドラーに渡す ctx は Serve の ctx のキャンセルを引き継がない.
// 処理中の接続を終わらせるには Shutdown を使う.
func (m *Manager) Serve(ctx context.Context, ln net.Listener, h Handler) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	connCtx := context.WithoutCancel(ctx)
	var delay time.Duration

	for {
		if err := m.acquire(ctx); err != nil {
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			m.release()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			m.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Accept failed")

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		delay = 0

		m.track(conn)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer m.release()
			defer m.untrack(conn)
			defer conn.Close()
			defer func() {
				if p := recover(); p != nil {
					m.logger.Error().
						Interface("panic", p).
						Str("remote", conn.RemoteAddr().String()).
						Msg("Connection handler panicked")
				}
			}()

			h.ServeConn(connCtx, conn)
		}()
	}
}

// Shutdown は処理中の接続が終わるのを ctx の期限まで待つ.
// Serve が戻ったあとに呼ぶこと.
// 期限を過ぎた場合は残りの接続を強制的に閉じ、ハンドラーの終了を待ってから ctx のエラーを返す.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn().Int("connections", m.Active()).Msg("Shutdown timeout, closing remaining connections")
		m.CloseAll()
		<-done
		return ctx.Err()
	}
}

// CloseAll は全ての接続を閉じる
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for conn := range m.conns {
		conn.Close()
	}
}

// Active は処理中の接続数を返す
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) acquire(ctx context.Context) error {
	if m.slots == nil {
		return ctx.Err()
	}
	return m.slots.Acquire(ctx, 1)
}

func (m *Manager) release() {
	if m.slots != nil {
		m.slots.Release(1)
	}
}

func (m *Manager) track(conn net.Conn) {
	m.mu.Lock()
	m.conns[conn] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) untrack(conn net.Conn) {
	m.mu.Lock()
	delete(m.conns, conn)
	m.mu.Unlock()
}
