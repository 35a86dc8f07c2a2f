//go:build linux

package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"bluetooth-obex/internal/connmgr"
	"bluetooth-obex/internal/metrics"
	"bluetooth-obex/internal/obex"
)

// fakeMgr hands out one end of a socketpair in place of a BlueZ RFCOMM fd.
type fakeMgr struct {
	fd         int
	resolveErr error
	startErr   error
	closed     atomic.Int32
	resolved   connmgr.Device
}

func (m *fakeMgr) StartServer(context.Context, connmgr.ServerOptions) error { return m.startErr }

func (m *fakeMgr) Accept(ctx context.Context) (int, connmgr.Device, error) {
	if m.fd < 0 {
		<-ctx.Done()
		return 0, connmgr.Device{}, ctx.Err()
	}
	return m.fd, connmgr.Device{Path: "/org/bluez/hci0/dev_00_11_22_33_44_55", MAC: "00:11:22:33:44:55", Alias: "Phone"}, nil
}

func (m *fakeMgr) ScanPush(context.Context) ([]connmgr.Device, error) { return nil, nil }

func (m *fakeMgr) ResolvePushService(_ context.Context, dev connmgr.Device) (connmgr.Service, error) {
	if m.resolveErr != nil {
		return connmgr.Service{}, m.resolveErr
	}
	m.resolved = dev
	return connmgr.Service{Device: dev, UUID: connmgr.ObjectPushUUID}, nil
}

func (m *fakeMgr) Connect(context.Context, connmgr.Service) (int, error) { return m.fd, nil }

func (m *fakeMgr) Close() error {
	m.closed.Add(1)
	return nil
}

// linkPair returns an fd for the code under test and the peer end as a file.
func linkPair(t *testing.T) (int, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	peer, err := connmgr.OpenConn(fds[1])
	if err != nil {
		t.Fatalf("open peer: %v", err)
	}
	t.Cleanup(func() { peer.Close() })
	return fds[0], peer
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + 7)
	}
	return b
}

func TestClientSend(t *testing.T) {
	fd, peer := linkPair(t)
	data := payload(50000)
	path := writeTemp(t, "photo.jpg", data)
	mgr := &fakeMgr{fd: fd}
	collector := metrics.NewTransferCollector("")
	client := NewClient(ClientOptions{NewMgr: func() connmgr.Mgr { return mgr }, Metrics: collector})

	got := make(chan *obex.ReceivedFile, 1)
	go func() {
		f, err := (&obex.Receiver{Conn: peer}).Receive(context.Background())
		if err != nil {
			t.Errorf("receive: %v", err)
		}
		got <- f
	}()

	var last float64
	dev := connmgr.Device{Path: "/org/bluez/hci0/dev_AA", Alias: "Tablet"}
	err := client.Send(context.Background(), path, dev, func(f float64) { last = f }, false)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	f := <-got
	if f == nil || f.Name != "photo.jpg" || f.Type != "image/jpeg" || !bytes.Equal(f.Content, data) {
		t.Fatalf("unexpected received file %+v", f)
	}
	if last != 1 {
		t.Fatalf("expected final progress 1, got %v", last)
	}
	if mgr.closed.Load() != 1 {
		t.Fatalf("expected manager closed once, got %d", mgr.closed.Load())
	}
	if mgr.resolved.Path != dev.Path {
		t.Fatalf("expected service resolved for %s", dev.Path)
	}
	if n, err := peer.Read(make([]byte, 1)); n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("expected the link to be closed, got %d bytes (%v)", n, err)
	}
}

func TestClientSendSpoofed(t *testing.T) {
	fd, peer := linkPair(t)
	path := writeTemp(t, "setup.exe", []byte("MZ"))
	client := NewClient(ClientOptions{
		NewMgr:    func() connmgr.Mgr { return &fakeMgr{fd: fd} },
		SpoofName: obex.SpoofBaseName,
	})
	got := make(chan *obex.ReceivedFile, 1)
	go func() {
		f, _ := (&obex.Receiver{Conn: peer}).Receive(context.Background())
		got <- f
	}()
	if err := client.Send(context.Background(), path, connmgr.Device{Path: "/d"}, nil, true); err != nil {
		t.Fatalf("send: %v", err)
	}
	f := <-got
	if f.Name != "setup" || f.Type != "text/plain" {
		t.Fatalf("expected spoofed metadata, got %q %q", f.Name, f.Type)
	}
}

func TestClientSendServiceNotFound(t *testing.T) {
	path := writeTemp(t, "a.txt", []byte("a"))
	mgr := &fakeMgr{fd: -1, resolveErr: connmgr.ErrNoPushService}
	client := NewClient(ClientOptions{NewMgr: func() connmgr.Mgr { return mgr }})
	err := client.Send(context.Background(), path, connmgr.Device{Path: "/d"}, nil, false)
	if obex.KindOf(err) != obex.KindServiceNotFound {
		t.Fatalf("expected service not found, got %v", err)
	}
	if !errors.Is(err, connmgr.ErrNoPushService) {
		t.Fatalf("expected the cause to be kept, got %v", err)
	}
	if mgr.closed.Load() != 1 {
		t.Fatalf("expected manager closed, got %d", mgr.closed.Load())
	}
}

func TestClientSendMissingFile(t *testing.T) {
	created := false
	client := NewClient(ClientOptions{NewMgr: func() connmgr.Mgr { created = true; return &fakeMgr{fd: -1} }})
	err := client.Send(context.Background(), filepath.Join(t.TempDir(), "nope"), connmgr.Device{Path: "/d"}, nil, false)
	if obex.KindOf(err) != obex.KindIOFailure || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected i/o failure, got %v", err)
	}
	if created {
		t.Fatalf("expected no link when the file cannot be opened")
	}
}

func TestClientSendCancelledMidTransfer(t *testing.T) {
	fd, peer := linkPair(t)
	path := writeTemp(t, "big.bin", payload(200000))
	mgr := &fakeMgr{fd: fd}
	client := NewClient(ClientOptions{NewMgr: func() connmgr.Mgr { return mgr }})
	ctx, cancel := context.WithCancel(context.Background())

	// The peer answers CONNECT and then goes silent.
	go func() {
		buf := make([]byte, 7)
		if _, err := peer.Read(buf); err == nil {
			peer.Write([]byte{0xA0, 0x00, 0x07, 0x10, 0x00, 0x20, 0x00})
		}
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := client.Send(ctx, path, connmgr.Device{Path: "/d"}, nil, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if mgr.closed.Load() != 1 {
		t.Fatalf("expected manager closed, got %d", mgr.closed.Load())
	}
}

func TestServerReceivesAndSaves(t *testing.T) {
	fd, peer := linkPair(t)
	dir := t.TempDir()
	mgr := &fakeMgr{fd: fd}
	done := make(chan Completion, 1)
	srv := NewServer(ServerOptions{
		NewMgr:      func() connmgr.Mgr { return mgr },
		ServiceName: "Test Push",
		ReceiveDir:  dir,
		OnComplete:  func(c Completion) { done <- c },
	})
	var asked string
	decide := func(_ context.Context, name string, _ uint64) (bool, error) {
		asked = name
		return true, nil
	}
	if err := srv.StartListening(context.Background(), nil, decide); err != nil {
		t.Fatalf("listen: %v", err)
	}

	data := payload(30000)
	req := obex.TransferRequest{FileName: "notes.txt", Size: uint64(len(data)), MimeType: "text/plain"}
	if err := (&obex.Sender{Conn: peer}).Send(context.Background(), req, bytes.NewReader(data)); err != nil {
		t.Fatalf("send: %v", err)
	}
	c := <-done
	if c.Err != nil {
		t.Fatalf("unexpected completion error: %v", c.Err)
	}
	if asked != "notes.txt" || c.Remote.Alias != "Phone" {
		t.Fatalf("unexpected decision/remote %q %+v", asked, c.Remote)
	}
	saved, err := os.ReadFile(c.Path)
	if err != nil || !bytes.Equal(saved, data) {
		t.Fatalf("saved file differs: %v", err)
	}
	if filepath.Dir(c.Path) != dir {
		t.Fatalf("expected file in %s, got %s", dir, c.Path)
	}
	srv.Wait()
	if mgr.closed.Load() != 1 {
		t.Fatalf("expected manager closed once, got %d", mgr.closed.Load())
	}
}

func TestServerDecline(t *testing.T) {
	fd, peer := linkPair(t)
	done := make(chan Completion, 1)
	srv := NewServer(ServerOptions{
		NewMgr:      func() connmgr.Mgr { return &fakeMgr{fd: fd} },
		ServiceName: "Test Push",
		OnComplete:  func(c Completion) { done <- c },
	})
	decline := func(context.Context, string, uint64) (bool, error) { return false, nil }
	if err := srv.StartListening(context.Background(), nil, decline); err != nil {
		t.Fatalf("listen: %v", err)
	}
	err := (&obex.Sender{Conn: peer}).Send(context.Background(), obex.TransferRequest{FileName: "x.bin", Size: 3}, bytes.NewReader([]byte("xyz")))
	var oe *obex.Error
	if !errors.As(err, &oe) || oe.Code != 0xC3 {
		t.Fatalf("expected sender to see Forbidden, got %v", err)
	}
	c := <-done
	if obex.KindOf(c.Err) != obex.KindDeclined || c.File != nil {
		t.Fatalf("expected declined completion, got %+v", c)
	}
}

func TestServerDecisionTimeout(t *testing.T) {
	fd, peer := linkPair(t)
	done := make(chan Completion, 1)
	srv := NewServer(ServerOptions{
		NewMgr:          func() connmgr.Mgr { return &fakeMgr{fd: fd} },
		ServiceName:     "Test Push",
		DecisionTimeout: 20 * time.Millisecond,
		OnComplete:      func(c Completion) { done <- c },
	})
	wait := func(ctx context.Context, _ string, _ uint64) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if err := srv.StartListening(context.Background(), nil, wait); err != nil {
		t.Fatalf("listen: %v", err)
	}
	_ = (&obex.Sender{Conn: peer}).Send(context.Background(), obex.TransferRequest{FileName: "x.bin", Size: 1}, bytes.NewReader([]byte("x")))
	c := <-done
	if obex.KindOf(c.Err) != obex.KindDeclined || !errors.Is(c.Err, context.DeadlineExceeded) {
		t.Fatalf("expected declined by timeout, got %v", c.Err)
	}
}

// pushAsync runs a one-byte push from peer and reports the sender's error.
func pushAsync(peer *os.File) <-chan error {
	errc := make(chan error, 1)
	go func() {
		errc <- (&obex.Sender{Conn: peer}).Send(context.Background(), obex.TransferRequest{FileName: "x.bin", Size: 1}, bytes.NewReader([]byte("x")))
	}()
	return errc
}

func expectForbidden(t *testing.T, err error) {
	t.Helper()
	var oe *obex.Error
	if !errors.As(err, &oe) || oe.Code != 0xC3 {
		t.Fatalf("expected sender to see Forbidden, got %v", err)
	}
}

func TestServerStopDuringDecisionSendsForbidden(t *testing.T) {
	fd, peer := linkPair(t)
	done := make(chan Completion, 1)
	srv := NewServer(ServerOptions{
		NewMgr:      func() connmgr.Mgr { return &fakeMgr{fd: fd} },
		ServiceName: "Test Push",
		OnComplete:  func(c Completion) { done <- c },
	})
	asked := make(chan struct{})
	wait := func(ctx context.Context, _ string, _ uint64) (bool, error) {
		close(asked)
		<-ctx.Done()
		return false, ctx.Err()
	}
	if err := srv.StartListening(context.Background(), nil, wait); err != nil {
		t.Fatalf("listen: %v", err)
	}
	sent := pushAsync(peer)
	<-asked
	srv.StopListening()

	expectForbidden(t, <-sent)
	c := <-done
	if obex.KindOf(c.Err) != obex.KindDeclined || !errors.Is(c.Err, context.Canceled) {
		t.Fatalf("expected declined by cancellation, got %v", c.Err)
	}
}

func TestServerCancelDuringStuckDecision(t *testing.T) {
	fd, peer := linkPair(t)
	done := make(chan Completion, 1)
	srv := NewServer(ServerOptions{
		NewMgr:      func() connmgr.Mgr { return &fakeMgr{fd: fd} },
		ServiceName: "Test Push",
		OnComplete:  func(c Completion) { done <- c },
	})
	asked := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	stuck := func(context.Context, string, uint64) (bool, error) {
		close(asked)
		<-release
		return true, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.StartListening(ctx, nil, stuck); err != nil {
		t.Fatalf("listen: %v", err)
	}
	sent := pushAsync(peer)
	<-asked
	cancel()

	expectForbidden(t, <-sent)
	c := <-done
	if obex.KindOf(c.Err) != obex.KindDeclined || !errors.Is(c.Err, context.Canceled) {
		t.Fatalf("expected declined by cancellation, got %v", c.Err)
	}
}

func TestServerStopWaitsForCompletion(t *testing.T) {
	fd, peer := linkPair(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := NewServer(ServerOptions{
		NewMgr:      func() connmgr.Mgr { return &fakeMgr{fd: fd} },
		ServiceName: "Test Push",
		OnComplete: func(Completion) {
			close(entered)
			<-release
		},
	})
	if err := srv.StartListening(context.Background(), nil, nil); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := <-pushAsync(peer); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-entered

	stopped := make(chan struct{})
	go func() {
		srv.StopListening()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("StopListening returned before the completion was delivered")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped
}

func TestServerStopListening(t *testing.T) {
	mgr := &fakeMgr{fd: -1}
	var completions atomic.Int32
	var last Completion
	srv := NewServer(ServerOptions{
		NewMgr:      func() connmgr.Mgr { return mgr },
		ServiceName: "Test Push",
		OnComplete: func(c Completion) {
			last = c
			completions.Add(1)
		},
	})
	if err := srv.StartListening(context.Background(), nil, nil); err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.StopListening()
	if completions.Load() != 1 {
		t.Fatalf("expected exactly one completion, got %d", completions.Load())
	}
	if obex.KindOf(last.Err) != obex.KindTransportFailure {
		t.Fatalf("expected transport failure from the cancelled accept, got %v", last.Err)
	}
	if mgr.closed.Load() != 1 {
		t.Fatalf("expected manager closed, got %d", mgr.closed.Load())
	}
	srv.StopListening()
}

func TestServerRegistrationError(t *testing.T) {
	mgr := &fakeMgr{fd: -1, startErr: errors.New("channel busy")}
	called := false
	srv := NewServer(ServerOptions{
		NewMgr:      func() connmgr.Mgr { return mgr },
		ServiceName: "Test Push",
		OnComplete:  func(Completion) { called = true },
	})
	err := srv.StartListening(context.Background(), nil, nil)
	if obex.KindOf(err) != obex.KindTransportFailure {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if called || mgr.closed.Load() != 1 {
		t.Fatalf("expected no completion and a closed manager")
	}
}
