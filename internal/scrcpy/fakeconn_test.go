package scrcpy

import (
	"net"
	"time"
)

// fakeConnBase provides no-op implementations of the net.Conn methods
// fakeConn doesn't need to override, so test doubles only implement Write.
type fakeConnBase struct{}

func (fakeConnBase) Read(b []byte) (int, error)         { return 0, nil }
func (fakeConnBase) Close() error                       { return nil }
func (fakeConnBase) LocalAddr() net.Addr                { return nil }
func (fakeConnBase) RemoteAddr() net.Addr               { return nil }
func (fakeConnBase) SetDeadline(t time.Time) error      { return nil }
func (fakeConnBase) SetReadDeadline(t time.Time) error  { return nil }
func (fakeConnBase) SetWriteDeadline(t time.Time) error { return nil }
