package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Standalone mock upstream provider for local development. Speaks the
// chat-completions shape, buffered and streamed.
func main() {
	http.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		prompt := ""
		if len(req.Messages) > 0 {
			prompt = req.Messages[len(req.Messages)-1].Content
		}

		log.Printf("Received request: model=%s stream=%v", req.Model, req.Stream)

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, word := range []string{"Hello", " from", " the", " mock", " provider"} {
				chunk, _ := json.Marshal(map[string]any{
					"object": "chat.completion.chunk",
					"model":  req.Model,
					"choices": []map[string]any{
						{"delta": map[string]string{"content": word}},
					},
				})
				fmt.Fprintf(w, "data: %s\n\n", chunk)
				flusher.Flush()
				time.Sleep(10 * time.Millisecond)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     fmt.Sprintf("mock-%d", time.Now().UnixNano()),
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{
				{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": "Mock reply to: " + prompt},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{"prompt_tokens": len(prompt), "completion_tokens": 12},
		})
	})

	log.Println("Mock provider starting on port 9000")
	http.ListenAndServe(":9000", nil)
}
