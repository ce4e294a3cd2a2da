// Package ipc speaks the line-delimited JSON protocol with the host UI:
// one request object per stdin line, one event object per stdout line.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
)

// Request is one inbound action from the host.
type Request struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Event is one outbound message. Context echoes the search context the
// event belongs to, when any.
type Event struct {
	Type    string `json:"type"`
	Data    any    `json:"data"`
	Context any    `json:"context,omitempty"`
}

// Bridge writes events to the host. Output is flushed per message and
// always UTF-8 regardless of the host console encoding (JSON marshalling
// guarantees that).
type Bridge struct {
	logger types.Logger

	mu  sync.Mutex
	out *bufio.Writer
}

func NewBridge(w io.Writer, logger types.Logger) *Bridge {
	return &Bridge{out: bufio.NewWriter(w), logger: logger}
}

// Emit serializes one event and flushes it immediately.
func (b *Bridge) Emit(eventType string, data any, context any) {
	payload, err := json.Marshal(Event{Type: eventType, Data: data, Context: context})
	if err != nil {
		b.logger.Errorf("Event %s marshal failed: %v", eventType, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.out.Write(payload)
	b.out.WriteByte('\n')
	b.out.Flush()
}

// Listen reads requests line by line until EOF, the context is done, or the
// handler returns false (shutdown). Malformed lines are skipped with a
// warning so one bad message cannot wedge the channel.
func (b *Bridge) Listen(ctx context.Context, r io.Reader, handle func(Request) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			b.logger.Warnf("Malformed request skipped: %v", err)
			continue
		}
		if req.Action == "" {
			b.logger.Warn("Request without action skipped")
			continue
		}
		if !handle(req) {
			return nil
		}
	}
	return scanner.Err()
}
