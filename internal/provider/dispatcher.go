package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/vgrichina/vibe-server/internal/gwerr"
	"github.com/vgrichina/vibe-server/internal/models"
)

// doneSentinel is the terminal frame of a streamed response. Every stream the
// gateway emits carries it exactly once.
const doneSentinel = "data: [DONE]"

// ErrStreamUnreachable reports that a streaming dispatch never reached the
// provider. The error frame and sentinel have already been written; callers
// must not write to the response again.
var ErrStreamUnreachable = errors.New("provider: upstream unreachable before first chunk")

type Dispatcher struct {
	client *http.Client
}

func NewDispatcher(timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// ValidateRequest enforces the completion body shape: a non-empty messages
// sequence, each entry with role and content.
func ValidateRequest(req *models.CompletionRequest) error {
	if len(req.Messages) == 0 {
		return gwerr.MalformedRequest("messages is required and must be a non-empty array")
	}
	for i, m := range req.Messages {
		if m.Role == "" {
			return gwerr.MalformedRequest(fmt.Sprintf("messages[%d] is missing role", i))
		}
		if m.Content == "" {
			return gwerr.MalformedRequest(fmt.Sprintf("messages[%d] is missing content", i))
		}
	}
	return nil
}

type upstreamBody struct {
	Model          string           `json:"model"`
	Messages       []models.Message `json:"messages"`
	Stream         bool             `json:"stream"`
	ConversationID string           `json:"conversation_id,omitempty"`
}

func (d *Dispatcher) newUpstreamRequest(ctx context.Context, pc models.ProviderConfig, req *models.CompletionRequest, stream bool) (*http.Request, error) {
	model := req.Model
	if model == "" {
		model = pc.DefaultModel
	}

	body, err := json.Marshal(upstreamBody{
		Model:          model,
		Messages:       req.Messages,
		Stream:         stream,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, pc.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+pc.APIKey)
	return httpReq, nil
}

type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Dispatch issues one buffered upstream call and passes the status and body
// through unmodified. Only a transport-level failure is wrapped into the local
// error envelope; provider error bodies flow back verbatim.
func (d *Dispatcher) Dispatch(ctx context.Context, pc models.ProviderConfig, req *models.CompletionRequest) (*Result, error) {
	httpReq, err := d.newUpstreamRequest(ctx, pc, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, gwerr.Upstream("upstream provider unreachable: " + err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerr.Upstream("upstream read failed: " + err.Error())
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return &Result{StatusCode: resp.StatusCode, ContentType: contentType, Body: body}, nil
}

// DispatchStream relays the upstream event stream chunk by chunk, flushing as
// chunks arrive. The terminal sentinel is emitted exactly once whether or not
// the upstream included one. A caller disconnect cancels the upstream read
// through ctx.
func (d *Dispatcher) DispatchStream(ctx context.Context, pc models.ProviderConfig, req *models.CompletionRequest, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return gwerr.Internal(fmt.Errorf("response writer does not support streaming"))
	}

	httpReq, err := d.newUpstreamRequest(ctx, pc, req, true)
	if err != nil {
		return err
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		// Nothing sent yet: a single error frame, then close.
		writeStreamHeaders(w)
		writeErrorFrame(w, "upstream provider unreachable: "+err.Error())
		fmt.Fprintf(w, "%s\n\n", doneSentinel)
		flusher.Flush()
		return ErrStreamUnreachable
	}
	defer resp.Body.Close()

	writeStreamHeaders(w)

	sawDone := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == doneSentinel {
			if sawDone {
				continue
			}
			sawDone = true
		}
		fmt.Fprintf(w, "%s\n", line)
		if line == "" {
			flusher.Flush()
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Printf("stream relay interrupted provider=%s err=%v", pc.EndpointURL, err)
	}
	if ctx.Err() != nil {
		// Caller went away; the deferred close abandons the upstream read.
		return nil
	}

	if !sawDone {
		fmt.Fprintf(w, "%s\n\n", doneSentinel)
	}
	flusher.Flush()
	return nil
}

func writeStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeErrorFrame(w http.ResponseWriter, msg string) {
	frame, _ := json.Marshal(map[string]any{
		"error": map[string]any{"code": gwerr.CodeUpstream, "message": msg},
	})
	fmt.Fprintf(w, "data: %s\n\n", frame)
}
