// Package toolproto defines the wire protocol spoken between the broker and
// its tool servers: JSON-RPC 2.0 messages, one per line, over the tool
// server's stdin and stdout.
package toolproto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// Version is the JSON-RPC version carried in every message.
	Version = "2.0"
	// ProtocolVersion is the tool protocol revision advertised during initialize.
	ProtocolVersion = "2024-11-05"
	// MaxMessageSize is the maximum length of a single frame (4 MB).
	MaxMessageSize = 4 * 1024 * 1024
)

// Method names.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"
	MethodPing        = "ping"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrFrameTooLarge is returned when a frame exceeds MaxMessageSize.
var ErrFrameTooLarge = errors.New("toolproto: frame exceeds maximum size")

// Request is a JSON-RPC request sent by the broker. ID is the correlation id.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a request with the given correlation id.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// Notification is a JSON-RPC message without an id; no response follows.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// Response is a JSON-RPC response. Exactly one of Result or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Envelope is the union of every message shape. Readers decode a frame into
// an Envelope first and then decide whether it is a response, a request or a
// notification.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsResponse reports whether the envelope answers a request.
func (e *Envelope) IsResponse() bool {
	return e.Method == "" && len(e.ID) > 0
}

// NumericID returns the envelope id as an integer. String ids holding a
// decimal number are accepted since some servers echo ids as strings.
func (e *Envelope) NumericID() (int64, error) {
	if len(e.ID) == 0 {
		return 0, errors.New("toolproto: message has no id")
	}
	var n int64
	if err := json.Unmarshal(e.ID, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(e.ID, &s); err != nil {
		return 0, fmt.Errorf("toolproto: unsupported id %s", string(e.ID))
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("toolproto: non-numeric id %q", s)
	}
	return n, nil
}

// Response converts a response envelope to a Response.
func (e *Envelope) Response() (*Response, error) {
	id, err := e.NumericID()
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: e.JSONRPC, ID: id, Result: e.Result, Error: e.Error}, nil
}

// ClientInfo identifies the broker during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerInfo identifies a tool server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams is sent with the initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// InitializeResult is returned by initialize.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// ToolDefinition describes one tool advertised by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ListToolsResult is returned by tools/list.
type ListToolsResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// CallToolParams is sent with tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ContentPart is one typed item of a tools/call result.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallToolResult is returned by tools/call.
type CallToolResult struct {
	Content []ContentPart `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// TextResult builds a successful result holding a single text part.
func TextResult(text string) CallToolResult {
	return CallToolResult{Content: []ContentPart{{Type: "text", Text: text}}}
}

// ErrorResult builds an application-level failure result.
func ErrorResult(message string) CallToolResult {
	return CallToolResult{Content: []ContentPart{{Type: "text", Text: message}}, IsError: true}
}

// WriteMessage encodes v as a single newline-terminated frame.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(data), MaxMessageSize)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Reader reads newline-delimited frames.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r with a 1 MiB buffer.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 1<<20)}
}

// ReadFrame returns the next non-empty frame without its trailing newline.
func (fr *Reader) ReadFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, isPrefix, err := fr.r.ReadLine()
		if err != nil {
			if len(frame) > 0 && errors.Is(err, io.EOF) {
				return frame, nil
			}
			return nil, err
		}
		frame = append(frame, chunk...)
		if len(frame) > MaxMessageSize {
			return nil, ErrFrameTooLarge
		}
		if isPrefix {
			continue
		}
		if len(frame) == 0 {
			continue
		}
		return frame, nil
	}
}

// ReadEnvelope reads and decodes the next frame.
func (fr *Reader) ReadEnvelope() (*Envelope, error) {
	frame, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &MalformedFrameError{Frame: truncate(frame, 256), Err: err}
	}
	return &env, nil
}

// MalformedFrameError reports a frame that is not a JSON-RPC message.
type MalformedFrameError struct {
	Frame string
	Err   error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", e.Frame, e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
