package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"bluetooth-obex/internal/connmgr"
	"bluetooth-obex/internal/logging"
	"bluetooth-obex/internal/metrics"
	"bluetooth-obex/internal/obex"
)

// Completion is the outcome of one listening cycle.
type Completion struct {
	Remote connmgr.Device
	File   *obex.ReceivedFile
	// Path is where File was saved, when ServerOptions.ReceiveDir is set.
	Path string
	Err  error
}

// ServerOptions configures inbound reception.
type ServerOptions struct {
	// NewMgr returns a fresh connection manager per listening cycle; nil means connmgr.New.
	NewMgr      func() connmgr.Mgr
	ServiceName string
	Channel     uint16
	// ReceiveDir, when set, is where accepted files are saved.
	ReceiveDir    string
	MaxObjectSize int64
	// DecisionTimeout bounds the accept decision; zero waits on ctx only.
	DecisionTimeout time.Duration
	Metrics         *metrics.TransferCollector
	// OnComplete is called exactly once per successful StartListening, from
	// the listening goroutine, after every resource has been released. It must
	// not call StopListening.
	OnComplete func(Completion)
}

// Server accepts one inbound push per StartListening call.
type Server struct {
	opts ServerOptions

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewServer(opts ServerOptions) *Server {
	if opts.NewMgr == nil {
		opts.NewMgr = connmgr.New
	}
	return &Server{opts: opts}
}

// StartListening registers the push service and waits in the background for
// one peer. decide is asked once per inbound object; nil accepts everything.
// A listening cycle already running is stopped first. Registration errors are
// returned directly and OnComplete is not called for them.
func (s *Server) StartListening(ctx context.Context, progress obex.ProgressFunc, decide obex.DecisionFunc) error {
	s.StopListening()

	lctx, cancel := context.WithCancel(ctx)
	sess := &session{}
	sess.push(func() error { cancel(); return nil })

	mgr := s.opts.NewMgr()
	sess.adoptMgr(mgr)
	err := mgr.StartServer(lctx, connmgr.ServerOptions{ServiceName: s.opts.ServiceName, Channel: s.opts.Channel})
	if err != nil {
		_ = sess.Close()
		return failed(ctx, transportFailure("register service", err))
	}
	logging.Info("listening for object push", logging.Fields{
		logging.FieldService: s.opts.ServiceName,
		logging.FieldChannel: s.opts.Channel,
	})

	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		c := s.serve(lctx, sess, mgr, progress, decide)
		if cerr := sess.Close(); cerr != nil {
			logging.Warn("release listen session", logging.Fields{logging.FieldError: cerr.Error()})
		}
		if c.Err != nil {
			c.Err = failed(ctx, c.Err)
		}
		if s.opts.OnComplete != nil {
			s.opts.OnComplete(c)
		}
		s.mu.Lock()
		if s.done == done {
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
	}()
	return nil
}

// StopListening cancels the current listening cycle, if any, and waits for
// its completion to be delivered. A pending accept decision is answered with
// Forbidden before the link is released.
func (s *Server) StopListening() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the current listening cycle, if any, has completed.
func (s *Server) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Server) serve(ctx context.Context, sess *session, mgr connmgr.Mgr, progress obex.ProgressFunc, decide obex.DecisionFunc) Completion {
	fd, remote, err := mgr.Accept(ctx)
	if err != nil {
		return Completion{Err: transportFailure("accept", err)}
	}
	conn, err := sess.open(fd)
	if err != nil {
		return Completion{Remote: remote, Err: err}
	}
	// The session is closed by the caller once Receive has returned.
	stop := interruptOnDone(ctx, conn)
	defer stop()
	fields := logging.Fields{
		logging.FieldDevice:  remote.DisplayName(),
		logging.FieldAddress: remote.MAC,
	}
	logging.Info("peer connected", fields)

	if m := s.opts.Metrics; m != nil {
		m.Begin()
	}
	start := time.Now()
	r := &obex.Receiver{
		Conn:          conn,
		Decide:        s.decision(decide),
		Progress:      progress,
		Observer:      packetObserver(s.opts.Metrics),
		MaxObjectSize: s.opts.MaxObjectSize,
	}
	file, err := r.Receive(ctx)
	var size uint64
	if file != nil {
		size = uint64(len(file.Content))
	}
	if m := s.opts.Metrics; m != nil {
		m.Finish(obex.Inbound, size, err)
	}
	if err != nil {
		fields[logging.FieldError] = err.Error()
		switch obex.KindOf(err) {
		case obex.KindDeclined, obex.KindAborted:
			logging.Info("transfer not completed", fields)
		default:
			logging.Error("receive failed", fields)
		}
		return Completion{Remote: remote, Err: err}
	}

	fields[logging.FieldFile] = file.Name
	fields[logging.FieldSize] = size
	fields[logging.FieldMime] = file.Type
	fields[logging.FieldElapsed] = time.Since(start).Round(time.Millisecond)
	c := Completion{Remote: remote, File: file}
	if s.opts.ReceiveDir != "" {
		path, err := SaveReceived(s.opts.ReceiveDir, file)
		if err != nil {
			fields[logging.FieldError] = err.Error()
			logging.Error("save received file", fields)
			c.Err = err
			return c
		}
		c.Path = path
		fields[logging.FieldPath] = path
	}
	logging.Info("file received", fields)
	return c
}

// decision applies DecisionTimeout around decide.
func (s *Server) decision(decide obex.DecisionFunc) obex.DecisionFunc {
	if decide == nil {
		return nil
	}
	timeout := s.opts.DecisionTimeout
	return func(ctx context.Context, name string, size uint64) (bool, error) {
		logging.Info("incoming transfer", logging.Fields{logging.FieldFile: name, logging.FieldSize: size})
		dctx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			dctx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		type answer struct {
			ok  bool
			err error
		}
		ch := make(chan answer, 1)
		go func() {
			ok, err := decide(dctx, name, size)
			ch <- answer{ok, err}
		}()
		select {
		case a := <-ch:
			if a.err == nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
				a.err = dctx.Err()
			}
			return a.ok, a.err
		case <-dctx.Done():
			return false, dctx.Err()
		}
	}
}
