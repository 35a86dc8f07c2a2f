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

// ClientOptions configures outbound pushes.
type ClientOptions struct {
	// NewMgr returns a fresh connection manager per send; nil means connmgr.New.
	NewMgr func() connmgr.Mgr
	// ConnectTimeout bounds service resolution and link setup; zero waits on ctx only.
	ConnectTimeout time.Duration
	SpoofName      obex.SpoofNameMode
	// MaxPacket caps outbound packets; zero means obex.MaxPacketSize.
	MaxPacket int
	Metrics   *metrics.TransferCollector
}

// Client pushes files to remote devices, one at a time.
type Client struct {
	opts ClientOptions

	mu      sync.Mutex
	current *session
}

func NewClient(opts ClientOptions) *Client {
	if opts.NewMgr == nil {
		opts.NewMgr = connmgr.New
	}
	return &Client{opts: opts}
}

// Send pushes the file at path to dev. A send still running on c is torn
// down first. Every error is prefixed with "transfer failed" and keeps the
// *obex.Error in its chain; every resource is released before Send returns.
func (c *Client) Send(ctx context.Context, path string, dev connmgr.Device, progress obex.ProgressFunc, spoof bool) error {
	sess := c.begin()
	defer c.end(sess)

	src, err := OpenSource(path)
	if err != nil {
		return failed(ctx, err)
	}
	sess.push(src.Close)

	fields := logging.Fields{
		logging.FieldFile:   src.Name,
		logging.FieldSize:   src.Size,
		logging.FieldMime:   src.Mime,
		logging.FieldDevice: dev.DisplayName(),
	}
	logging.Info("sending file", fields)

	if m := c.opts.Metrics; m != nil {
		m.Begin()
	}
	start := time.Now()
	err = c.send(ctx, sess, src, dev, progress, spoof)
	if m := c.opts.Metrics; m != nil {
		m.Finish(obex.Outbound, src.Size, err)
	}
	if cerr := sess.Close(); cerr != nil {
		logging.Warn("release send session", logging.Fields{logging.FieldError: cerr.Error()})
	}
	if err != nil {
		fields[logging.FieldError] = err.Error()
		logging.Error("send failed", fields)
		return failed(ctx, err)
	}
	fields[logging.FieldElapsed] = time.Since(start).Round(time.Millisecond)
	logging.Info("file sent", fields)
	return nil
}

func (c *Client) send(ctx context.Context, sess *session, src *Source, dev connmgr.Device, progress obex.ProgressFunc, spoof bool) error {
	stop := sess.closeOnDone(ctx)
	defer stop()

	mgr := c.opts.NewMgr()
	sess.adoptMgr(mgr)

	setupCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.opts.ConnectTimeout > 0 {
		setupCtx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
	}
	defer cancel()

	svc, err := mgr.ResolvePushService(setupCtx, dev)
	if err != nil {
		if errors.Is(err, connmgr.ErrNoPushService) {
			return &obex.Error{Kind: obex.KindServiceNotFound, Op: "resolve service", Err: err}
		}
		return transportFailure("resolve service", err)
	}
	fd, err := mgr.Connect(setupCtx, svc)
	if err != nil {
		return transportFailure("connect", err)
	}
	conn, err := sess.open(fd)
	if err != nil {
		return err
	}
	logging.Debug("link established", logging.Fields{
		logging.FieldDevice:  svc.Device.DisplayName(),
		logging.FieldAddress: svc.Device.MAC,
		logging.FieldService: svc.UUID.String(),
	})

	sender := &obex.Sender{
		Conn:      conn,
		MaxPacket: c.opts.MaxPacket,
		Progress:  progress,
		Observer:  packetObserver(c.opts.Metrics),
	}
	req := obex.TransferRequest{
		FileName:  src.Name,
		Size:      src.Size,
		MimeType:  src.Mime,
		Spoof:     spoof,
		SpoofName: c.opts.SpoofName,
	}
	return sender.Send(ctx, req, src)
}

// begin installs a new session, closing any previous one.
func (c *Client) begin() *session {
	sess := &session{}
	c.mu.Lock()
	prev := c.current
	c.current = sess
	c.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return sess
}

func (c *Client) end(sess *session) {
	_ = sess.Close()
	c.mu.Lock()
	if c.current == sess {
		c.current = nil
	}
	c.mu.Unlock()
}

// Cancel tears down the send in progress, if any.
func (c *Client) Cancel() {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}
