package scan

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LineDevice сканер в режиме клавиатуры или последовательного порта:
// один код на строку. Источник: файл устройства (Path) или готовый Reader.
type LineDevice struct {
	Path   string
	Reader io.Reader

	mu     sync.Mutex
	inUse  bool
	reused bool
}

func (d *LineDevice) Open(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inUse {
		return nil, &DeviceError{Reason: ReasonDeviceBusy}
	}

	var (
		r      io.Reader
		closer io.Closer
	)
	switch {
	case d.Path != "":
		f, err := os.Open(d.Path)
		if err != nil {
			return nil, AsDeviceError(err)
		}
		r, closer = f, f
	case d.Reader != nil:
		// a plain reader can be consumed only once
		if d.reused {
			return nil, &DeviceError{Reason: ReasonNoDevice}
		}
		d.reused = true
		r = d.Reader
		if c, ok := d.Reader.(io.Closer); ok {
			closer = c
		}
	default:
		return nil, &DeviceError{Reason: ReasonNoDevice}
	}
	d.inUse = true

	s := &lineStream{lines: make(chan string), errc: make(chan error, 1), stop: make(chan struct{}), closer: closer}
	s.release = func() {
		d.mu.Lock()
		d.inUse = false
		d.mu.Unlock()
	}
	go s.read(r)
	return s, nil
}

type lineStream struct {
	lines   chan string
	errc    chan error
	stop    chan struct{}
	closer  io.Closer
	release func()
	once    sync.Once
}

func (s *lineStream) read(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case s.lines <- line:
		case <-s.stop:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	s.errc <- err
}

func (s *lineStream) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case line := <-s.lines:
		return Frame{Data: []byte(line), At: time.Now()}, nil
	case err := <-s.errc:
		s.errc <- err
		return Frame{}, err
	}
}

func (s *lineStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		if s.closer != nil {
			err = s.closer.Close()
		}
		s.release()
	})
	return err
}

// TextDecoder кадр уже содержит код в виде текста
type TextDecoder struct{}

func (TextDecoder) Decode(f Frame) (string, error) {
	code := strings.TrimSpace(string(f.Data))
	if code == "" {
		return "", ErrNoCode
	}
	return code, nil
}
