package firecracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seantiz/crucible/internal/model"
)

// MaxMessageSize is the maximum allowed vsock message payload (16 MiB).
const MaxMessageSize = 16 << 20

// FileChunkSize is the largest slice of an output file carried by one
// message. Base64 framing keeps it well under MaxMessageSize.
const FileChunkSize = 1 << 20

// GuestRequest is the JSON payload sent from host to guest over vsock.
type GuestRequest struct {
	ExecutionID string            `json:"execution_id"`
	Process     string            `json:"process"`
	InputFiles  []model.InputFile `json:"input_files,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	TimeoutS    int               `json:"timeout_s"`
}

// GuestOutput describes one output file after all its chunks were sent.
type GuestOutput struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// GuestResponse is the final result of a process run inside the guest.
type GuestResponse struct {
	ExitCode int           `json:"exit_code"`
	Error    string        `json:"error,omitempty"`
	Outputs  []GuestOutput `json:"outputs,omitempty"`
}

// Guest→host message types for vsock streaming.
const (
	// MsgTypeLog carries a line of process output.
	MsgTypeLog = "log"

	// MsgTypeStep carries a progress message the process reported.
	MsgTypeStep = "step"

	// MsgTypeFile carries one chunk of an output file.
	MsgTypeFile = "file"

	// MsgTypeResult ends the stream.
	MsgTypeResult = "result"
)

// GuestMessage is the envelope for all guest→host messages over vsock.
// Log, step and file messages may interleave; one result message ends the
// stream.
type GuestMessage struct {
	Type     string         `json:"type"`
	Line     string         `json:"line,omitempty"`
	File     string         `json:"file,omitempty"`
	Data     []byte         `json:"data,omitempty"`
	Response *GuestResponse `json:"response,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
