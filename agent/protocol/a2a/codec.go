package a2a

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/types"
)

// Encoder writes task events as server-sent-event frames.
type Encoder struct {
	w io.Writer
}

// NewEncoder 创建编码器；w 实现 http.Flusher 时每帧写完立即刷新
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one frame: "event: <kind>\ndata: <json>\n\n".
func (e *Encoder) Encode(ev task.Event) error {
	kind, payload, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", kind, data); err != nil {
		return err
	}
	e.flush()
	return nil
}

// Comment 写入注释帧（用作心跳），解码端忽略
func (e *Encoder) Comment(text string) error {
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	e.flush()
	return nil
}

func (e *Encoder) flush() {
	if f, ok := e.w.(interface{ Flush() }); ok {
		f.Flush()
	}
}

func marshalEvent(ev task.Event) (task.EventKind, any, error) {
	switch e := ev.(type) {
	case *task.StatusEvent:
		return task.EventKindStatus, statusPayload{envelopeOf(e.Meta()), e.State, e.Message}, nil
	case *task.MessageEvent:
		return task.EventKindMessage, messagePayload{envelopeOf(e.Meta()), e.Parts, e.IsPartial}, nil
	case *task.ArtifactEvent:
		return task.EventKindArtifact, artifactPayload{envelopeOf(e.Meta()), e.Artifact}, nil
	case *task.DoneEvent:
		return task.EventKindDone, donePayload{envelopeOf(e.Meta()), e.FinalState}, nil
	case *task.ErrorEvent:
		return task.EventKindError, errorPayload{envelopeOf(e.Meta()), e.Code, e.Message, e.Details}, nil
	default:
		return "", nil, types.Errorf(types.ErrInvalidEvent, "cannot encode event of type %T", ev)
	}
}

// Decoder reads server-sent-event frames and turns them into task events.
// Comment lines are skipped. Any frame that cannot be turned into a known event
// is reported as PROTOCOL_ERROR rather than dropped.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder 创建解码器
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next event, or io.EOF when the stream ended cleanly on a
// frame boundary.
func (d *Decoder) Next() (task.Event, error) {
	var (
		kind     string
		data     []string
		inFrame  bool
		hasEvent bool
	)
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, types.NewError(types.ErrTransport, "read event stream").WithCause(err)
			}
			if line == "" && !inFrame {
				return nil, io.EOF
			}
			return nil, types.NewError(types.ErrProtocol, "event stream ended inside a frame")
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !inFrame {
				continue
			}
			if !hasEvent {
				return nil, types.NewError(types.ErrProtocol, "frame without event kind")
			}
			return decodeFrame(kind, strings.Join(data, "\n"))
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		inFrame = true
		switch field {
		case "event":
			kind = value
			hasEvent = true
		case "data":
			data = append(data, value)
		default:
			// id / retry 等字段与任务事件无关
		}
	}
}

// Events 把解码器包装为事件序列；io.EOF 结束序列，其他错误产出一次后结束
func (d *Decoder) Events(yield func(task.Event, error) bool) {
	for {
		ev, err := d.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(nil, err)
			return
		}
		if !yield(ev, nil) {
			return
		}
	}
}

func decodeFrame(kind, data string) (task.Event, error) {
	switch task.EventKind(kind) {
	case task.EventKindStatus:
		var p statusPayload
		if err := unmarshalPayload(kind, data, &p); err != nil {
			return nil, err
		}
		if !p.State.IsValid() {
			return nil, types.Errorf(types.ErrProtocol, "status frame with unknown state %q", p.State)
		}
		return &task.StatusEvent{EventMeta: p.meta(), State: p.State, Message: p.Message}, nil

	case task.EventKindMessage:
		var p messagePayload
		if err := unmarshalPayload(kind, data, &p); err != nil {
			return nil, err
		}
		return &task.MessageEvent{EventMeta: p.meta(), Parts: p.MessageParts, IsPartial: p.IsPartial}, nil

	case task.EventKindArtifact:
		var p artifactPayload
		if err := unmarshalPayload(kind, data, &p); err != nil {
			return nil, err
		}
		return &task.ArtifactEvent{EventMeta: p.meta(), Artifact: p.Artifact}, nil

	case task.EventKindDone:
		var p donePayload
		if err := unmarshalPayload(kind, data, &p); err != nil {
			return nil, err
		}
		if !p.FinalState.IsTerminal() {
			return nil, types.Errorf(types.ErrProtocol, "done frame with non-terminal final_state %q", p.FinalState)
		}
		return &task.DoneEvent{EventMeta: p.meta(), FinalState: p.FinalState}, nil

	case task.EventKindError:
		var p errorPayload
		if err := unmarshalPayload(kind, data, &p); err != nil {
			return nil, err
		}
		return &task.ErrorEvent{EventMeta: p.meta(), Code: p.ErrorCode, Message: p.ErrorMessage, Details: p.Details}, nil

	default:
		return nil, types.Errorf(types.ErrProtocol, "unknown event kind %q", kind)
	}
}

func unmarshalPayload(kind, data string, v any) error {
	if strings.TrimSpace(data) == "" {
		return types.Errorf(types.ErrProtocol, "%s frame without data", kind)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return types.Errorf(types.ErrProtocol, "malformed %s payload", kind).WithCause(err)
	}
	return nil
}
