package scan

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func frame(s string) Frame { return Frame{Data: []byte(s)} }

func blockUntilDone(ctx context.Context) (Frame, error) {
	<-ctx.Done()
	return Frame{}, ctx.Err()
}

func TestScanner_RetryIsBounded(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev, stream, dec := NewMockDevice(ctrl), NewMockStream(ctrl), NewMockDecoder(ctrl)

	dev.EXPECT().Open(gomock.Any()).Return(stream, nil)
	stream.EXPECT().Next(gomock.Any()).Return(frame("blurry"), nil).Times(3)
	dec.EXPECT().Decode(gomock.Any()).Return("", ErrNoCode).Times(3)
	stream.EXPECT().Close().Return(nil).Times(1)

	s := NewScanner(dev, dec, WithRetry(3, 0))
	sess, err := s.Start(context.Background(), ModeCreateTicket, func(context.Context, Mode, string) error {
		t.Error("handler must not be called")
		return nil
	})
	require.NoError(t, err)

	err = sess.Wait()
	var re *RetryError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 3, re.Attempts)
	assert.ErrorIs(t, err, ErrNoCode)
}

func TestScanner_HandlerGetsExplicitModeAndStops(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev, stream, dec := NewMockDevice(ctrl), NewMockStream(ctrl), NewMockDecoder(ctrl)

	dev.EXPECT().Open(gomock.Any()).Return(stream, nil)
	stream.EXPECT().Next(gomock.Any()).Return(frame("qr"), nil)
	dec.EXPECT().Decode(frame("qr")).Return("ID:7|Nombre:Llave", nil)
	stream.EXPECT().Close().Return(nil)

	var (
		gotMode Mode
		gotCode string
	)
	s := NewScanner(dev, dec)
	sess, err := s.Start(context.Background(), ModeReturnBatch, func(_ context.Context, m Mode, code string) error {
		gotMode, gotCode = m, code
		return ErrStop
	})
	require.NoError(t, err)
	require.NoError(t, sess.Wait())
	assert.Equal(t, ModeReturnBatch, sess.Mode())
	assert.Equal(t, ModeReturnBatch, gotMode)
	assert.Equal(t, "ID:7|Nombre:Llave", gotCode)
}

func TestScanner_SuccessResetsFailureCount(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev, stream, dec := NewMockDevice(ctrl), NewMockStream(ctrl), NewMockDecoder(ctrl)

	dev.EXPECT().Open(gomock.Any()).Return(stream, nil)
	gomock.InOrder(
		stream.EXPECT().Next(gomock.Any()).Return(frame("a"), nil).Times(5),
		stream.EXPECT().Next(gomock.Any()).Return(Frame{}, io.EOF),
	)
	gomock.InOrder(
		dec.EXPECT().Decode(gomock.Any()).Return("", ErrNoCode),
		dec.EXPECT().Decode(gomock.Any()).Return("", ErrNoCode),
		dec.EXPECT().Decode(gomock.Any()).Return("X1", nil),
		dec.EXPECT().Decode(gomock.Any()).Return("", ErrNoCode),
		dec.EXPECT().Decode(gomock.Any()).Return("", ErrNoCode),
	)
	stream.EXPECT().Close().Return(nil)

	var codes []string
	s := NewScanner(dev, dec, WithRetry(3, 0))
	sess, err := s.Start(context.Background(), ModeCreateTicket, func(_ context.Context, _ Mode, code string) error {
		codes = append(codes, code)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, sess.Wait())
	assert.Equal(t, []string{"X1"}, codes)
}

func TestScanner_HandlerErrorCountsAsAttempt(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev, stream, dec := NewMockDevice(ctrl), NewMockStream(ctrl), NewMockDecoder(ctrl)

	dev.EXPECT().Open(gomock.Any()).Return(stream, nil)
	stream.EXPECT().Next(gomock.Any()).Return(frame("a"), nil).Times(2)
	dec.EXPECT().Decode(gomock.Any()).Return("nope", nil).Times(2)
	stream.EXPECT().Close().Return(nil)

	notFound := errors.New("Producto no encontrado")
	s := NewScanner(dev, dec, WithRetry(2, 0))
	sess, err := s.Start(context.Background(), ModeCreateTicket, func(context.Context, Mode, string) error { return notFound })
	require.NoError(t, err)
	err = sess.Wait()
	assert.ErrorIs(t, err, notFound)
}

func TestScanner_StartStopsPreviousSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev, dec := NewMockDevice(ctrl), NewMockDecoder(ctrl)
	first, second := NewMockStream(ctrl), NewMockStream(ctrl)

	first.EXPECT().Next(gomock.Any()).DoAndReturn(blockUntilDone)
	second.EXPECT().Next(gomock.Any()).DoAndReturn(blockUntilDone)
	gomock.InOrder(
		dev.EXPECT().Open(gomock.Any()).Return(first, nil),
		first.EXPECT().Close().Return(nil),
		dev.EXPECT().Open(gomock.Any()).Return(second, nil),
		second.EXPECT().Close().Return(nil),
	)

	noop := func(context.Context, Mode, string) error { return nil }
	s := NewScanner(dev, dec)
	s1, err := s.Start(context.Background(), ModeCreateTicket, noop)
	require.NoError(t, err)
	s2, err := s.Start(context.Background(), ModeReturnBatch, noop)
	require.NoError(t, err)

	select {
	case <-s1.Done():
	default:
		t.Fatal("previous session still running")
	}
	s.Stop()
	assert.NoError(t, s2.Wait())
}

func TestScanner_CancelDuringRetryDelay(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev, stream, dec := NewMockDevice(ctrl), NewMockStream(ctrl), NewMockDecoder(ctrl)

	dev.EXPECT().Open(gomock.Any()).Return(stream, nil)
	// cancel may land before the first frame is read
	stream.EXPECT().Next(gomock.Any()).Return(frame("a"), nil).MaxTimes(1)
	dec.EXPECT().Decode(gomock.Any()).Return("", ErrNoCode).MaxTimes(1)
	stream.EXPECT().Close().Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewScanner(dev, dec, WithRetry(5, time.Hour))
	sess, err := s.Start(ctx, ModeCreateTicket, func(context.Context, Mode, string) error { return nil })
	require.NoError(t, err)
	cancel()

	select {
	case <-sess.Done():
		assert.NoError(t, sess.Wait())
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop on cancel")
	}
}

func TestScanner_OpenFailureIsDeviceError(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev, dec := NewMockDevice(ctrl), NewMockDecoder(ctrl)
	dev.EXPECT().Open(gomock.Any()).Return(nil, fs.ErrPermission)

	_, err := NewScanner(dev, dec).Start(context.Background(), ModeCreateTicket, nil)
	var de *DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ReasonPermissionDenied, de.Reason)
}

func TestScanner_UnknownMode(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, err := NewScanner(NewMockDevice(ctrl), NewMockDecoder(ctrl)).Start(context.Background(), Mode(0), nil)
	assert.Error(t, err)
}

func TestAsDeviceError(t *testing.T) {
	cases := map[Reason]error{
		ReasonPermissionDenied: &fs.PathError{Op: "open", Path: "/dev/video0", Err: syscall.EACCES},
		ReasonNoDevice:         &fs.PathError{Op: "open", Path: "/dev/video9", Err: syscall.ENOENT},
		ReasonDeviceBusy:       &fs.PathError{Op: "open", Path: "/dev/video0", Err: syscall.EBUSY},
		ReasonUnsupported:      syscall.ENOTTY,
		ReasonUnknown:          errors.New("weird"),
	}
	seen := map[string]bool{}
	for want, err := range cases {
		de := AsDeviceError(err)
		assert.Equal(t, want, de.Reason, "%v", err)
		assert.ErrorIs(t, de, err)
		seen[de.Remediation()] = true
	}
	assert.Len(t, seen, len(cases), "each reason has its own remediation")

	wrapped := &DeviceError{Reason: ReasonDeviceBusy}
	assert.Same(t, wrapped, AsDeviceError(wrapped))
}

func TestLineDevice_Reader(t *testing.T) {
	dev := &LineDevice{Reader: strings.NewReader("ID:1|Nombre:Llave\n\n  000000000002 \n")}
	var (
		mu    sync.Mutex
		codes []string
	)
	s := NewScanner(dev, TextDecoder{})
	sess, err := s.Start(context.Background(), ModeCreateTicket, func(_ context.Context, _ Mode, code string) error {
		mu.Lock()
		defer mu.Unlock()
		codes = append(codes, code)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sess.Wait())
	assert.Equal(t, []string{"ID:1|Nombre:Llave", "000000000002"}, codes)

	// the reader is consumed
	_, err = dev.Open(context.Background())
	var de *DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ReasonNoDevice, de.Reason)
}

func TestLineDevice_Exclusive(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	dev := &LineDevice{Reader: pr}

	st, err := dev.Open(context.Background())
	require.NoError(t, err)
	_, err = dev.Open(context.Background())
	var de *DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ReasonDeviceBusy, de.Reason)

	go func() { _, _ = io.WriteString(pw, "A1\n") }()
	f, err := st.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A1", string(f.Data))
	require.NoError(t, st.Close())
	require.NoError(t, st.Close(), "close is idempotent")
}

func TestLineDevice_Path(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanner")
	require.NoError(t, os.WriteFile(path, []byte("C1\n"), 0o600))
	dev := &LineDevice{Path: path}

	for i := 0; i < 2; i++ {
		st, err := dev.Open(context.Background())
		require.NoError(t, err)
		f, err := st.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "C1", string(f.Data))
		_, err = st.Next(context.Background())
		assert.ErrorIs(t, err, io.EOF)
		require.NoError(t, st.Close())
	}

	_, err := (&LineDevice{Path: filepath.Join(t.TempDir(), "missing")}).Open(context.Background())
	var de *DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ReasonNoDevice, de.Reason)
}

func TestTextDecoder(t *testing.T) {
	_, err := TextDecoder{}.Decode(frame("   "))
	assert.ErrorIs(t, err, ErrNoCode)
	code, err := TextDecoder{}.Decode(frame(" X \n"))
	require.NoError(t, err)
	assert.Equal(t, "X", code)
}
