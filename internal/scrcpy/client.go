package scrcpy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// adbAddr is the local adb server's TCP address scrcpy sockets are
// tunneled through.
const adbAddr = "127.0.0.1:5037"

const connectRetryDelay = 10 * time.Millisecond

// naluStart is the Annex-B NAL unit start code scrcpy's elementary
// stream is delimited by.
var naluStart = []byte{0x00, 0x00, 0x00, 0x01}

// Resolution is the device's reported (width, height) in pixels, as
// updated by SPS NAL units observed in the video stream.
type Resolution struct {
	Width, Height uint16
}

// Client holds the two scrcpy sockets for one device: video (read-only,
// fanned out to subscribers) and control (write-only, input injection).
type Client struct {
	serial string

	videoConn   net.Conn
	controlConn net.Conn
	deviceName  string
	resolution  Resolution

	subMu       sync.Mutex
	subscribers map[string]chan []byte

	controlMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// Connect opens the video and control sockets, in that order (the device
// side accepts them in call order), reads the dummy byte, device name,
// and initial resolution off the video socket, and starts the fan-out
// loop. The deploy-time context controls the connect retry loop only;
// streaming continues until Close is called.
func Connect(ctx context.Context, serial string, timeout time.Duration) (*Client, error) {
	video, err := dialScrcpySocket(ctx, serial, timeout)
	if err != nil {
		return nil, fmt.Errorf("scrcpy: connecting video socket: %w", err)
	}
	control, err := dialScrcpySocket(ctx, serial, timeout)
	if err != nil {
		video.Close()
		return nil, fmt.Errorf("scrcpy: connecting control socket: %w", err)
	}

	dummy := make([]byte, 1)
	if _, err := readFull(video, dummy); err != nil || dummy[0] != 0x00 {
		video.Close()
		control.Close()
		return nil, fmt.Errorf("scrcpy: did not receive dummy byte")
	}

	nameBuf := make([]byte, 64)
	if _, err := readFull(video, nameBuf); err != nil {
		video.Close()
		control.Close()
		return nil, fmt.Errorf("scrcpy: reading device name: %w", err)
	}
	name := string(bytes.TrimRight(nameBuf, "\x00"))

	resBuf := make([]byte, 4)
	if _, err := readFull(video, resBuf); err != nil {
		video.Close()
		control.Close()
		return nil, fmt.Errorf("scrcpy: reading resolution: %w", err)
	}
	res := Resolution{
		Width:  uint16(resBuf[0])<<8 | uint16(resBuf[1]),
		Height: uint16(resBuf[2])<<8 | uint16(resBuf[3]),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		serial:      serial,
		videoConn:   video,
		controlConn: control,
		deviceName:  name,
		resolution:  res,
		subscribers: make(map[string]chan []byte),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go c.runVideoLoop(runCtx)
	return c, nil
}

// dialScrcpySocket performs one host:transport + localabstract:scrcpy
// handshake on a fresh TCP connection to the adb server, retrying every
// 10ms until timeout elapses (the device side starts listening shortly
// after the server process is spawned, not immediately).
func dialScrcpySocket(ctx context.Context, serial string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		nc, err := net.Dial("tcp", adbAddr)
		if err != nil {
			lastErr = err
			time.Sleep(connectRetryDelay)
			continue
		}
		if err := handshake(nc, serial); err != nil {
			nc.Close()
			lastErr = err
			time.Sleep(connectRetryDelay)
			continue
		}
		return nc, nil
	}
	return nil, fmt.Errorf("scrcpy: %s: timed out connecting to scrcpy socket: %w", serial, lastErr)
}

func handshake(nc net.Conn, serial string) error {
	r := bufio.NewReader(nc)
	if err := sendFramed(nc, "host:transport:"+serial); err != nil {
		return err
	}
	if err := checkOkay(r); err != nil {
		return err
	}
	if err := sendFramed(nc, "localabstract:scrcpy"); err != nil {
		return err
	}
	return checkOkay(r)
}

func sendFramed(nc net.Conn, cmd string) error {
	framed := fmt.Sprintf("%04x%s", len(cmd), cmd)
	_, err := nc.Write([]byte(framed))
	return err
}

func checkOkay(r *bufio.Reader) error {
	status := make([]byte, 4)
	if _, err := readFull(r, status); err != nil {
		return err
	}
	switch string(status) {
	case "OKAY":
		return nil
	case "FAIL":
		return fmt.Errorf("scrcpy: adb FAIL response")
	default:
		return fmt.Errorf("scrcpy: unexpected adb status %q", status)
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DeviceName returns the device name scrcpy reported on connect.
func (c *Client) DeviceName() string { return c.deviceName }

// CurrentResolution returns the most recently observed resolution.
func (c *Client) CurrentResolution() Resolution {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.resolution
}

// Subscribe registers a channel that receives every NAL unit from the
// video stream, keyed by an arbitrary subscriber id. The channel is
// buffered by the caller; a slow subscriber only ever misses frames (the
// fan-out never blocks on it), it is never torn down for falling behind.
func (c *Client) Subscribe(id string, ch chan []byte) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers[id] = ch
}

// Unsubscribe removes a subscriber registered with Subscribe.
func (c *Client) Unsubscribe(id string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subscribers, id)
}

// runVideoLoop reads NAL units off the video socket until it closes or
// ctx is cancelled, recomputing resolution from SPS units and fanning
// each unit out to all current subscribers.
func (c *Client) runVideoLoop(ctx context.Context) {
	defer close(c.done)
	r := bufio.NewReaderSize(c.videoConn, 1<<20)

	for {
		if ctx.Err() != nil {
			return
		}
		nal, err := readNALUnit(r)
		if err != nil {
			slog.Info("scrcpy: video stream ended", "serial", c.serial, "err", err)
			return
		}

		if isSPS(nal) {
			if w, h, ok := decodeSPSResolution(nal); ok {
				c.applySPSResolution(w, h)
			}
		}

		c.fanOut(nal)
	}
}

func (c *Client) fanOut(nal []byte) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- nal:
		default:
			// Drop rather than block: video frames supersede each other,
			// a subscriber's channel should be drained by its own reader
			// rather than have the producer wait on it.
		}
	}
}

// applySPSResolution keeps the two magnitudes of the current resolution
// and orients them to the SPS: the longer side becomes the width when the
// SPS width exceeds its height, the height otherwise. The SPS values only
// decide the orientation.
func (c *Client) applySPSResolution(width, height int) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	origW, origH := int(c.resolution.Width), int(c.resolution.Height)
	var w, h int
	if width > height {
		w, h = max(origW, origH), min(origW, origH)
	} else {
		w, h = min(origW, origH), max(origW, origH)
	}
	c.resolution = Resolution{Width: uint16(w), Height: uint16(h)}
}

// readNALUnit reads up to and including the next start code, returning
// the unit with a leading start code re-attached (matching the original
// stream's framing, minus the trailing start code bytes it was
// delimited by).
func readNALUnit(r *bufio.Reader) ([]byte, error) {
	data, err := r.ReadBytes(naluStart[len(naluStart)-1])
	if err != nil {
		return nil, err
	}
	if !bytes.HasSuffix(data, naluStart) {
		// ReadBytes stops at the first 0x01 byte, which is not
		// necessarily the end of a 4-byte start code; re-read until we
		// actually see the full sequence.
		for !bytes.HasSuffix(data, naluStart) {
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, b)
		}
	}
	trimmed := bytes.TrimSuffix(data, naluStart)
	return append(append([]byte{}, naluStart...), trimmed...), nil
}

func isSPS(nal []byte) bool {
	return len(nal) > 4 && nal[4] == 0x67
}
