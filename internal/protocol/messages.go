package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Commands accepted on the sidecar line protocol.
const (
	CommandLoadModel  = "load_model"
	CommandTranscribe = "transcribe"
	CommandHealth     = "health"
	CommandShutdown   = "shutdown"
)

const (
	StatusReady        = "ready"
	StatusShuttingDown = "shutting_down"
)

// Request is one line sent by the host.
type Request struct {
	Command      string `json:"command"`
	AudioPath    string `json:"audio_path,omitempty"`
	Language     string `json:"language,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// mistyped maps members sent with a non-string value to their JSON text.
	mistyped map[string]string
}

// Mistyped reports the raw JSON text of member when the host sent it as
// something other than a string. Null counts as absent.
func (r Request) Mistyped(member string) (string, bool) {
	raw, ok := r.mistyped[member]
	return raw, ok
}

// ErrInvalidJSON wraps request lines that do not decode. Its text is the
// prefix of the wire error message.
var ErrInvalidJSON = errors.New("Invalid JSON")

// DecodeRequest parses one request line. Only the envelope must be a JSON
// object; member types are judged by the command handlers.
func DecodeRequest(line []byte) (Request, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(line, &members); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	var req Request
	for name, target := range map[string]*string{
		"command":       &req.Command,
		"audio_path":    &req.AudioPath,
		"language":      &req.Language,
		"system_prompt": &req.SystemPrompt,
	} {
		raw, ok := members[name]
		if !ok {
			continue
		}
		raw = bytes.TrimSpace(raw)
		if bytes.Equal(raw, []byte("null")) {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			if req.mistyped == nil {
				req.mistyped = make(map[string]string)
			}
			req.mistyped[name] = string(raw)
		}
	}
	return req, nil
}

// Response is one line written back to the host.
type Response struct {
	OK          bool    `json:"ok"`
	Text        *string `json:"text,omitempty"`
	Language    *string `json:"language,omitempty"`
	Error       string  `json:"error,omitempty"`
	Status      string  `json:"status,omitempty"`
	ModelLoaded *bool   `json:"model_loaded,omitempty"`

	// transcript responses always carry "language", null when unknown.
	transcript bool
}

func OK() Response { return Response{OK: true} }

func Fail(message string) Response { return Response{OK: false, Error: message} }

func WithStatus(status string) Response { return Response{OK: true, Status: status} }

func Health(loaded bool) Response { return Response{OK: true, ModelLoaded: &loaded} }

// Transcription builds a successful transcribe response. An empty language is
// encoded as null.
func Transcription(text, language string) Response {
	resp := Response{OK: true, Text: &text, transcript: true}
	if language != "" {
		resp.Language = &language
	}
	return resp
}

func (r Response) MarshalJSON() ([]byte, error) {
	type wire Response
	var v any = wire(r)
	if r.transcript {
		v = struct {
			wire
			Language *string `json:"language"`
		}{wire(r), r.Language}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Transcript represents sidecar output broadcast on the bus.
type Transcript struct {
	RunID     string    `json:"run_id"`
	ModelID   string    `json:"model_id"`
	AudioPath string    `json:"audio_path"`
	Text      string    `json:"text"`
	Language  string    `json:"language,omitempty"`
	Prompted  bool      `json:"prompted"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelState is broadcast whenever the model session changes state.
type ModelState struct {
	RunID     string    `json:"run_id"`
	ModelID   string    `json:"model_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Announcement describes a running sidecar. It is published at startup and in
// reply to discovery pings.
type Announcement struct {
	RunID     string    `json:"run_id"`
	ModelID   string    `json:"model_id"`
	Engine    string    `json:"engine"`
	Languages []string  `json:"languages,omitempty"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

type Heartbeat struct {
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptFinal = "transcript.final"
	SubjectModelState      = "model.state"
	SubjectAnnounce        = "sidecar.announce"
	SubjectPing            = "sidecar.ping"

	// SubjectHeartbeat is suffixed with the run ID.
	SubjectHeartbeat = "sidecar.heartbeat"
)
