package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	runHandshakeTimeout = 15 * time.Second
	runWriteTimeout     = 10 * time.Second

	frameOpRun      = "run"
	frameOpStdout   = "stdout"
	frameOpStderr   = "stderr"
	frameOpResult   = "result"
	frameOpArtifact = "artifact"
	frameOpError    = "error"
	frameOpEnd      = "end"
)

// RunError is the structured failure a program reported inside the sandbox,
// as opposed to a transport failure reaching it.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *RunError) String() string {
	if e == nil {
		return ""
	}
	if e.Kind == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

// Artifact is a binary output produced by a run, typically a rendered chart.
type Artifact struct {
	MIME string
	Data []byte
}

// RunResult collects everything a single execution streamed back.
type RunResult struct {
	Stdout    []string
	Stderr    []string
	Err       *RunError
	Artifacts []Artifact
}

type runRequest struct {
	Op     string `json:"op"`
	Source string `json:"source"`
}

type runFrame struct {
	Op      string `json:"op"`
	Data    string `json:"data,omitempty"`
	MIME    string `json:"mime,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// Run submits source to the sandbox and consumes the frame stream until the
// vendor signals end of execution. Program failures land in RunResult.Err;
// the returned error is reserved for transport and protocol trouble.
func (c *Client) Run(ctx context.Context, h *Handle, source string) (*RunResult, error) {
	if h == nil || h.wsURL == "" {
		return nil, &ServiceError{Code: ErrorCodeRequestFailed, Message: "sandbox run requires an open session"}
	}

	runCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: runHandshakeTimeout,
	}
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	conn, _, err := dialer.DialContext(runCtx, h.wsURL, header)
	if err != nil {
		return nil, &ServiceError{Code: ErrorCodeStreamFailed, Message: "sandbox stream dial failed", Err: err}
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if deadline, ok := runCtx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, &ServiceError{Code: ErrorCodeStreamFailed, Message: "sandbox stream setup failed", Err: err}
		}
	}
	if err := conn.SetWriteDeadline(time.Now().Add(runWriteTimeout)); err != nil {
		return nil, &ServiceError{Code: ErrorCodeStreamFailed, Message: "sandbox stream setup failed", Err: err}
	}
	if err := conn.WriteJSON(runRequest{Op: frameOpRun, Source: source}); err != nil {
		return nil, &ServiceError{Code: ErrorCodeStreamFailed, Message: "sandbox run submit failed", Err: err}
	}

	result := &RunResult{}
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if runCtx.Err() != nil {
				return nil, &ServiceError{Code: ErrorCodeStreamFailed, Message: "sandbox run interrupted", Err: runCtx.Err()}
			}
			return nil, &ServiceError{Code: ErrorCodeStreamFailed, Message: "sandbox stream ended before the run completed", Err: err}
		}

		var frame runFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}

		switch frame.Op {
		case frameOpStdout:
			result.Stdout = append(result.Stdout, frame.Data)
		case frameOpStderr:
			result.Stderr = append(result.Stderr, frame.Data)
		case frameOpResult, frameOpArtifact:
			if frame.Data == "" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				log.Printf("event=sandbox_artifact_discarded sandbox=%s err=%v", h.ID, err)
				continue
			}
			mime := frame.MIME
			if mime == "" {
				mime = "image/png"
			}
			result.Artifacts = append(result.Artifacts, Artifact{MIME: mime, Data: raw})
		case frameOpError:
			result.Err = &RunError{Kind: frame.Kind, Message: frame.Message}
		case frameOpEnd:
			return result, nil
		}
	}
}
