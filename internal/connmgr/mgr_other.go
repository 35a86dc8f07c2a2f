//go:build !linux

package connmgr

import (
	"context"
	"errors"
	"os"
)

var errUnsupported = errors.New("connmgr: BlueZ is only available on linux")

// New returns a manager whose methods all fail; BlueZ is linux only.
func New() Mgr { return unsupported{} }

type unsupported struct{}

func (unsupported) StartServer(context.Context, ServerOptions) error { return errUnsupported }

func (unsupported) Accept(context.Context) (int, Device, error) { return 0, Device{}, errUnsupported }

func (unsupported) ScanPush(context.Context) ([]Device, error) { return nil, errUnsupported }

func (unsupported) ResolvePushService(context.Context, Device) (Service, error) {
	return Service{}, errUnsupported
}

func (unsupported) Connect(context.Context, Service) (int, error) { return 0, errUnsupported }

func (unsupported) Close() error { return nil }

func OpenConn(int) (*os.File, error) { return nil, errUnsupported }
