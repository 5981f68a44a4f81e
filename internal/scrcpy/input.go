package scrcpy

import (
	"encoding/binary"
	"math"
	"time"
)

// Android motionevent action codes scrcpy's control protocol expects.
const (
	actionDown = 0
	actionUp   = 1
	actionMove = 2
)

const buttonPrimary = 1 << 0

const (
	msgTypeInjectTouchEvent  = 2
	msgTypeInjectScrollEvent = 3
)

// InjectTouch sends a single touch event at normalized coordinates
// (x, y in [0,1]) against the client's current resolution. touchID
// distinguishes concurrent multi-touch pointers; -1 means "don't care".
func (c *Client) InjectTouch(x, y float64, action int, touchID int64) error {
	return c.injectTouchLocked(x, y, action, touchID)
}

func (c *Client) injectTouchLocked(x, y float64, action int, touchID int64) error {
	res := c.CurrentResolution()
	px := clamp(x*float64(res.Width), 0, float64(res.Width))
	py := clamp(y*float64(res.Height), 0, float64(res.Height))

	pressure := uint16(0xFFFF)
	if action == actionUp {
		pressure = 0
	}

	buf := make([]byte, 28)
	buf[0] = msgTypeInjectTouchEvent
	buf[1] = byte(action)
	binary.BigEndian.PutUint64(buf[2:10], uint64(touchID))
	binary.BigEndian.PutUint32(buf[10:14], uint32(int32(px)))
	binary.BigEndian.PutUint32(buf[14:18], uint32(int32(py)))
	binary.BigEndian.PutUint16(buf[18:20], res.Width)
	binary.BigEndian.PutUint16(buf[20:22], res.Height)
	binary.BigEndian.PutUint16(buf[22:24], pressure)
	binary.BigEndian.PutUint32(buf[24:28], buttonPrimary)

	return c.writeControl(buf)
}

// InjectScroll sends a scroll event at normalized coordinates (x, y) with
// the given horizontal/vertical distance in scroll units.
func (c *Client) InjectScroll(x, y float64, distanceX, distanceY int32) error {
	res := c.CurrentResolution()
	px := clamp(x*float64(res.Width), 0, float64(res.Width))
	py := clamp(y*float64(res.Height), 0, float64(res.Height))

	buf := make([]byte, 25)
	buf[0] = msgTypeInjectScrollEvent
	binary.BigEndian.PutUint32(buf[1:5], uint32(int32(px)))
	binary.BigEndian.PutUint32(buf[5:9], uint32(int32(py)))
	binary.BigEndian.PutUint16(buf[9:11], res.Width)
	binary.BigEndian.PutUint16(buf[11:13], res.Height)
	binary.BigEndian.PutUint32(buf[13:17], uint32(distanceX))
	binary.BigEndian.PutUint32(buf[17:21], uint32(distanceY))
	binary.BigEndian.PutUint32(buf[21:25], buttonPrimary)

	return c.writeControl(buf)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (c *Client) writeControl(buf []byte) error {
	c.controlMu.Lock()
	defer c.controlMu.Unlock()
	_, err := c.controlConn.Write(buf)
	return err
}

// Swipe drives a straight-line swipe from (x, y) to (endX, endY) in
// normalized coordinates over duration, emitting a DOWN event, a linearly
// interpolated sequence of MOVE events spaced unit pixels apart (measured
// against the client's current resolution), and a final UP event.
//
// The step count is clamped to at least 1 so a swipe whose endpoints are
// closer together than unit still emits one MOVE instead of looping
// forever trying to close a zero-length gap with a non-decreasing
// remainder — the defect the original coordinate-space stepping loop had.
func (c *Client) Swipe(x, y, endX, endY float64, unit float64, duration time.Duration) error {
	res := c.CurrentResolution()
	dx := (endX - x) * float64(res.Width)
	dy := (endY - y) * float64(res.Height)

	maxDelta := math.Max(math.Abs(dx), math.Abs(dy))
	steps := int(math.Ceil(maxDelta / unit))
	if steps < 1 {
		steps = 1
	}

	if err := c.InjectTouch(x, y, actionDown, -1); err != nil {
		return err
	}

	stepDelay := duration / time.Duration(steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		ix := x + (endX-x)*t
		iy := y + (endY-y)*t
		if err := c.InjectTouch(ix, iy, actionMove, -1); err != nil {
			return err
		}
		if i < steps {
			time.Sleep(stepDelay)
		}
	}

	return c.InjectTouch(endX, endY, actionUp, -1)
}

// Close tears down both sockets and the video fan-out loop.
func (c *Client) Close() error {
	c.cancel()
	_ = c.videoConn.Close()
	_ = c.controlConn.Close()
	<-c.done
	return nil
}

// Stop is Close under the name model.ChildProcess expects, so a Client
// can be registered directly as one of a device's child processes.
func (c *Client) Stop() error { return c.Close() }
