package frame

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"draftpilot.dev/agentstream/conversation"
	"draftpilot.dev/agentstream/telemetry"
)

// dataPrefix marks a record line carrying a JSON payload. Lines without it
// (comments, keep-alives, event names) are transport noise.
const dataPrefix = "data:"

// envelope is the raw wire shape of a record payload before it is narrowed
// into a typed frame. The server sends the discriminant as "step"; older
// backends used "type".
type envelope struct {
	Step     string                  `json:"step"`
	Type     string                  `json:"type"`
	Content  string                  `json:"content"`
	Thinking string                  `json:"thinking"`
	ID       string                  `json:"id"`
	Name     string                  `json:"name"`
	Args     map[string]any          `json:"args"`
	Result   any                     `json:"result"`
	Input    string                  `json:"input"`
	Output   string                  `json:"output"`
	Status   string                  `json:"status"`
	Todos    []conversation.TodoItem `json:"todos"`
	Files    map[string]string       `json:"files"`
	Error    string                  `json:"error"`
	Message  string                  `json:"message"`
	Prompt   string                  `json:"prompt"`
}

// envelopeSchema is the structural contract enforced in strict mode: a record
// payload must be an object and, when present, the discriminant fields must
// be strings. Anything stricter would reject legitimate forward-compatible
// extensions.
const envelopeSchema = `{
	"type": "object",
	"properties": {
		"step": {"type": "string"},
		"type": {"type": "string"}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(envelopeSchema), &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("envelope.json")
	})
	return schema, schemaErr
}

type (
	// Decoder turns a raw byte stream into a lazy sequence of typed frames.
	// A record is recognized only once a full line has been buffered; a
	// partial line at a chunk boundary is held over until the rest arrives.
	// A partial line at end of stream is an incomplete record and is dropped.
	//
	// Decoder is not safe for concurrent use; a stream has one reader.
	Decoder struct {
		r      *bufio.Reader
		strict bool
		// errLog throttles malformed-record logging so a corrupt stream
		// cannot flood the logs. Skipped records are still counted in
		// telemetry.
		errLog *rate.Limiter
	}

	// Option configures a Decoder.
	Option func(*Decoder)
)

// WithStrictValidation makes the Decoder validate every record payload
// against the envelope schema before narrowing. Invalid payloads are treated
// exactly like malformed JSON: logged, counted, and skipped.
func WithStrictValidation() Option {
	return func(d *Decoder) { d.strict = true }
}

// NewDecoder constructs a Decoder reading from r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		r:      bufio.NewReader(r),
		errLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next frame from the stream, or io.EOF when the stream
// ends. Malformed records never surface as errors: they are logged, counted,
// and skipped so a single corrupt frame cannot abort an otherwise healthy
// stream. Records with an unknown discriminant are returned as Ignored.
// The context is used for logging and cancellation checks between records.
func (d *Decoder) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := d.r.ReadString('\n')
		if err != nil {
			// A trailing partial line is an incomplete record: drop it.
			if err == io.EOF && line != "" {
				return nil, io.EOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, dataPrefix) {
			// Unknown control line, not a protocol violation.
			continue
		}
		raw := strings.TrimSpace(line[len(dataPrefix):])
		if raw == "" {
			continue
		}
		f, ok := d.decodeRecord(ctx, []byte(raw))
		if !ok {
			continue
		}
		telemetry.FrameDecoded(ctx, string(f.Kind()))
		return f, nil
	}
}

// decodeRecord parses one record payload into a frame. The second return is
// false when the payload is malformed and must be skipped.
func (d *Decoder) decodeRecord(ctx context.Context, raw []byte) (Frame, bool) {
	if d.strict {
		s, err := compiledSchema()
		if err != nil {
			// A broken embedded schema is a programming error; disable
			// strict mode rather than rejecting every record.
			d.logSkip(ctx, raw, err)
			d.strict = false
		} else {
			var doc any
			if err := json.Unmarshal(raw, &doc); err != nil {
				d.skip(ctx, raw, err)
				return nil, false
			}
			if err := s.Validate(doc); err != nil {
				d.skip(ctx, raw, err)
				return nil, false
			}
		}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.skip(ctx, raw, err)
		return nil, false
	}
	return narrow(env, raw), true
}

func (d *Decoder) skip(ctx context.Context, raw []byte, err error) {
	telemetry.DecodeFailure(ctx)
	d.logSkip(ctx, raw, err)
}

func (d *Decoder) logSkip(ctx context.Context, raw []byte, err error) {
	if !d.errLog.Allow() {
		return
	}
	log.Error(ctx, err, log.KV{K: "msg", V: "skipping malformed frame"},
		log.KV{K: "record", V: truncate(string(raw), 256)})
}

// narrow maps a decoded envelope to its typed frame.
func narrow(env envelope, raw []byte) Frame {
	step := env.Step
	if step == "" {
		step = env.Type
	}
	switch step {
	case "thinking":
		return Thinking{Text: env.Thinking}
	case "streaming", "update":
		return Content{Text: env.Content}
	case "tool_call":
		return ToolCall{ID: env.ID, Name: env.Name, Args: env.Args}
	case "tool_result":
		return ToolResult{
			ID:      env.ID,
			Result:  resultText(env.Result),
			IsError: env.Status == "error" || env.Error != "",
		}
	case "sub_agent":
		return SubAgent{
			ID:     env.ID,
			Name:   env.Name,
			Input:  env.Input,
			Output: env.Output,
			Status: env.Status,
		}
	case "activity":
		return Activity{Text: firstNonEmpty(env.Content, env.Message)}
	case "sync":
		return Sync{Todos: env.Todos, Files: env.Files}
	case "done":
		return Done{Content: env.Content, Thinking: env.Thinking}
	case "error":
		return Error{Message: firstNonEmpty(env.Error, env.Message, env.Content)}
	case "interrupt":
		return Interrupt{ID: env.ID, Prompt: firstNonEmpty(env.Prompt, env.Message)}
	default:
		return Ignored{Step: step, Raw: append(json.RawMessage(nil), raw...)}
	}
}

// resultText renders a tool result for display. Strings pass through
// unchanged; structured values keep their JSON encoding.
func resultText(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	default:
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprintf("%v", r)
		}
		return string(b)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
