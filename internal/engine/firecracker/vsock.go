package firecracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Retry defaults for vsock connection establishment. The guest agent starts
// as init, so the first attempts usually race the boot.
const (
	dialMaxRetries  = 8
	dialBaseBackoff = 100 * time.Millisecond
)

// GuestConn wraps a connection to the guest agent inside a Firecracker microVM.
// Each GuestConn is used by a single goroutine.
type GuestConn struct {
	conn   net.Conn
	reader io.Reader // keeps bytes read ahead during the handshake
}

// StreamHandler receives what the guest streams while a process runs.
// Nil callbacks drop their messages.
type StreamHandler struct {
	Log  func(line string)
	Step func(message string) error
	File func(name string, data []byte) error
}

// DialGuest connects to the guest agent via Firecracker's vsock UDS bridge
// and performs the CONNECT handshake for port, retrying with exponential
// backoff until the guest listens.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dial guest: %w", err)
		}

		gc, err := dialVsockUDS(ctx, udsPath, port)
		if err == nil {
			return gc, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial guest: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS sends "CONNECT <port>\n" and expects "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &GuestConn{conn: conn, reader: reader}, nil
}

// Run sends req and reads the guest's stream until the final result,
// passing log, step and file messages to h as they arrive. Cancelling ctx
// closes the connection and unblocks the read.
func (gc *GuestConn) Run(ctx context.Context, req GuestRequest, h StreamHandler) (GuestResponse, error) {
	stop := context.AfterFunc(ctx, func() { gc.conn.Close() })
	defer stop()

	if err := WriteMessage(gc.conn, &req); err != nil {
		return GuestResponse{}, fmt.Errorf("send request: %w", err)
	}

	resp, err := gc.readMessages(h)
	if err != nil && ctx.Err() != nil {
		return GuestResponse{}, errors.Join(ctx.Err(), err)
	}
	return resp, err
}

func (gc *GuestConn) readMessages(h StreamHandler) (GuestResponse, error) {
	for {
		var msg GuestMessage
		if err := ReadMessage(gc.reader, &msg); err != nil {
			return GuestResponse{}, fmt.Errorf("read guest message: %w", err)
		}

		switch msg.Type {
		case MsgTypeLog:
			if h.Log != nil {
				h.Log(msg.Line)
			}
		case MsgTypeStep:
			if h.Step != nil {
				if err := h.Step(msg.Line); err != nil {
					return GuestResponse{}, fmt.Errorf("report step: %w", err)
				}
			}
		case MsgTypeFile:
			if h.File != nil {
				if err := h.File(msg.File, msg.Data); err != nil {
					return GuestResponse{}, fmt.Errorf("receive %s: %w", msg.File, err)
				}
			}
		case MsgTypeResult:
			if msg.Response == nil {
				return GuestResponse{}, errors.New("received result message with nil response")
			}
			return *msg.Response, nil
		default:
			return GuestResponse{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// Close closes the underlying connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}
