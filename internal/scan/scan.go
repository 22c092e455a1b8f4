// Package scan читает коды товаров со сканера или камеры.
//
// Устройство эксклюзивно: у Scanner одновременно активна одна сессия,
// новая Start сначала останавливает предыдущую и дожидается закрытия
// потока. Режим сессии задаётся при старте и передаётся в обработчик.
package scan

//go:generate mockgen -source=scan.go -destination=mocks_test.go -package=scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

type Mode int

const (
	ModeCreateTicket Mode = iota + 1
	ModeReturnBatch
)

func (m Mode) String() string {
	switch m {
	case ModeCreateTicket:
		return "create_ticket"
	case ModeReturnBatch:
		return "return_batch"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

type Frame struct {
	Data []byte
	At   time.Time
}

// Device выдаёт поток кадров; Open на занятом устройстве возвращает DeviceError
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream: Next возвращает io.EOF, когда кадров больше не будет
type Stream interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

type Decoder interface {
	Decode(f Frame) (string, error)
}

// Handler получает каждый распознанный код. ErrStop завершает сессию без ошибки;
// прочие ошибки считаются неудачной попыткой.
type Handler func(ctx context.Context, mode Mode, code string) error

var (
	ErrStop   = errors.New("scan: stop session")
	ErrNoCode = errors.New("scan: no code in frame")
)

// RetryError сессия завершена после MaxAttempts неудач подряд
type RetryError struct {
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("scan: %d consecutive failed attempts: %v", e.Attempts, e.Last)
}

func (e *RetryError) Unwrap() error { return e.Last }

type Option func(*Scanner)

func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(s *Scanner) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if delay >= 0 {
			s.retryDelay = delay
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Scanner) { s.log = log }
}

type Scanner struct {
	dev         Device
	dec         Decoder
	maxAttempts int
	retryDelay  time.Duration
	log         *slog.Logger

	mu  sync.Mutex
	cur *Session
}

func NewScanner(dev Device, dec Decoder, opts ...Option) *Scanner {
	s := &Scanner{dev: dev, dec: dec, maxAttempts: 3, retryDelay: 500 * time.Millisecond, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Session одна активная сессия сканирования
type Session struct {
	mode   Mode
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (s *Session) Mode() Mode { return s.mode }

// Wait блокируется до конца сессии; поток к этому моменту уже закрыт
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// Stop завершает сессию и ждёт освобождения устройства
func (s *Session) Stop() {
	s.cancel()
	<-s.done
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Start останавливает предыдущую сессию, открывает устройство и запускает цикл распознавания.
// Ошибка открытия всегда *DeviceError.
func (s *Scanner) Start(ctx context.Context, mode Mode, h Handler) (*Session, error) {
	if mode != ModeCreateTicket && mode != ModeReturnBatch {
		return nil, fmt.Errorf("scan: unknown mode %d", int(mode))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		s.cur.Stop()
		s.cur = nil
	}

	stream, err := s.dev.Open(ctx)
	if err != nil {
		return nil, AsDeviceError(err)
	}
	sctx, cancel := context.WithCancel(ctx)
	sess := &Session{mode: mode, cancel: cancel, done: make(chan struct{})}
	s.cur = sess
	s.log.DebugContext(ctx, "scan session started", "mode", mode.String())

	go func() {
		defer close(sess.done)
		defer cancel()
		defer func() {
			if err := stream.Close(); err != nil {
				s.log.WarnContext(ctx, "scan stream close", "error", err)
			}
		}()
		sess.err = s.loop(sctx, stream, mode, h)
		s.log.DebugContext(ctx, "scan session ended", "mode", mode.String(), "error", sess.err)
	}()
	return sess, nil
}

// Stop останавливает текущую сессию, если она есть
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		s.cur.Stop()
		s.cur = nil
	}
}

func (s *Scanner) loop(ctx context.Context, stream Stream, mode Mode, h Handler) error {
	failures := 0
	for {
		f, err := stream.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("scan: read frame: %w", err)
		}

		code, err := s.dec.Decode(f)
		if err == nil {
			err = h(ctx, mode, code)
			if errors.Is(err, ErrStop) {
				return nil
			}
		}
		if err == nil {
			failures = 0
			continue
		}

		failures++
		s.log.DebugContext(ctx, "scan attempt failed", "attempt", failures, "error", err)
		if failures >= s.maxAttempts {
			return &RetryError{Attempts: failures, Last: err}
		}
		if s.retryDelay > 0 {
			t := time.NewTimer(s.retryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	}
}
