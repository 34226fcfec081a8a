package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jeanpaul/relay/internal/types"
)

const writeTimeout = 15 * time.Second

// Envelope types sent to websocket clients.
const (
	MsgChunk          = "chunk"
	MsgSubagentChunk  = "subagent_chunk"
	MsgSubagentStart  = "subagent_start"
	MsgSubagentFinish = "subagent_finish"
	MsgDone           = "done"
	MsgError          = "error"

	// MsgPrompt is the only message clients send.
	MsgPrompt = "prompt"
)

type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ClientMessage is what a client sends to start a prompt.
type ClientMessage struct {
	Type        string             `json:"type"`
	Prompt      string             `json:"prompt"`
	Agent       string             `json:"agent,omitempty"`
	FileContext *types.FileContext `json:"file_context,omitempty"`
}

type errorData struct {
	Error string `json:"error"`
}

type doneData struct {
	Final string `json:"final"`
}

// WebSocket streams envelopes to one client. Writes are serialized.
type WebSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

func (w *WebSocket) write(ctx context.Context, typ string, data any) error {
	payload, err := json.Marshal(Envelope{Type: typ, Data: data})
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.conn.Write(writeCtx, websocket.MessageText, payload)
}

func (w *WebSocket) SendSubagentChunk(ctx context.Context, chunk types.SubagentChunk) error {
	return w.write(ctx, MsgSubagentChunk, chunk)
}

func (w *WebSocket) SendEvent(ctx context.Context, ev types.StreamEvent) error {
	switch ev.Type {
	case types.EventText:
		return w.write(ctx, MsgChunk, ev)
	case types.EventSubagentStart:
		return w.write(ctx, MsgSubagentStart, ev)
	case types.EventSubagentFinish:
		return w.write(ctx, MsgSubagentFinish, ev)
	}
	return nil
}

func (w *WebSocket) SendDone(ctx context.Context, final string) error {
	return w.write(ctx, MsgDone, doneData{Final: final})
}

func (w *WebSocket) SendError(ctx context.Context, err error) error {
	return w.write(ctx, MsgError, errorData{Error: err.Error()})
}

// ReadPrompt blocks until the client sends a prompt message. Messages of
// other types are ignored.
func (w *WebSocket) ReadPrompt(ctx context.Context) (ClientMessage, error) {
	for {
		typ, data, err := w.conn.Read(ctx)
		if err != nil {
			return ClientMessage{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if werr := w.SendError(ctx, fmt.Errorf("invalid message: %w", err)); werr != nil {
				return ClientMessage{}, werr
			}
			continue
		}
		if msg.Type != MsgPrompt {
			continue
		}
		if msg.Prompt == "" {
			if werr := w.SendError(ctx, errors.New("empty prompt")); werr != nil {
				return ClientMessage{}, werr
			}
			continue
		}
		return msg, nil
	}
}
