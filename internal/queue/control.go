package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Stream lifecycle commands travel over core NATS request/reply: the API
// issues the request, the worker owning the tracking engine answers.
const (
	SubjectStreamRegister    = "trackd.control.stream.register"
	SubjectStreamParams      = "trackd.control.stream.params"
	SubjectStreamReconfigure = "trackd.control.stream.reconfigure"
	SubjectStreamClose       = "trackd.control.stream.close"
)

// ControlHandler services one control request and returns the reply payload.
type ControlHandler func(ctx context.Context, data []byte) (interface{}, error)

type controlReply struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// RespondControl subscribes the handler to a control subject. Handler errors
// are reported to the caller inside the reply envelope.
func (c *Consumer) RespondControl(subject string, handler ControlHandler) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var reply controlReply
		result, err := handler(ctx, msg.Data)
		if err != nil {
			reply.Error = err.Error()
		} else {
			payload, merr := json.Marshal(result)
			if merr != nil {
				reply.Error = fmt.Sprintf("marshal control result: %v", merr)
			} else {
				reply.OK = true
				reply.Result = payload
			}
		}

		data, err := json.Marshal(reply)
		if err != nil {
			slog.Error("marshal control reply", "subject", subject, "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Error("respond control", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// RequestControl sends a control command and decodes the reply into out.
// A handler-side failure comes back as an error, not a transport fault.
func (p *Producer) RequestControl(ctx context.Context, subject string, req interface{}, out interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal control request: %w", err)
	}

	msg, err := p.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("control request %s: %w", subject, err)
	}

	var reply controlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode control reply: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("control %s: %s", subject, reply.Error)
	}
	if out != nil && len(reply.Result) > 0 {
		if err := json.Unmarshal(reply.Result, out); err != nil {
			return fmt.Errorf("decode control result: %w", err)
		}
	}
	return nil
}
