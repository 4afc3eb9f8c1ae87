package chatmem

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
)

// OllamaEmbedder implements Embedder and Preparer using the Ollama HTTP API
// (POST /api/embed, /api/show, /api/pull).
type OllamaEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaEmbedder creates an embedder that calls the Ollama /api/embed endpoint.
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	return &OllamaEmbedder{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{},
	}
}

// Model returns the Ollama model name.
func (e *OllamaEmbedder) Model() string { return e.model }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type ollamaModelRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream,omitempty"`
}

// ollamaPullStatus is one NDJSON line of a streaming /api/pull response.
type ollamaPullStatus struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Embed generates vector embeddings for the given texts via the Ollama API.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.post(ctx, "/api/embed", ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, goerr.Wrap(err, "ollama embed: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var embedResp ollamaEmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, goerr.Wrap(err, "ollama embed: unmarshal")
	}
	if len(embedResp.Embeddings) == 0 {
		return nil, goerr.New("ollama embed: empty response")
	}
	return embedResp.Embeddings, nil
}

// Prepare makes sure the model is available locally, pulling it when
// /api/show reports it missing. Download progress is reported as the share
// of completed bytes of the layer being pulled.
func (e *OllamaEmbedder) Prepare(ctx context.Context, progress DownloadProgressFunc) error {
	if progress == nil {
		progress = func(float64) {}
	}

	resp, err := e.post(ctx, "/api/show", ollamaModelRequest{Model: e.model})
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		progress(100)
		return nil
	case http.StatusNotFound:
		return e.pull(ctx, progress)
	default:
		return &StatusError{StatusCode: resp.StatusCode, Body: "ollama show"}
	}
}

func (e *OllamaEmbedder) pull(ctx context.Context, progress DownloadProgressFunc) error {
	resp, err := e.post(ctx, "/api/pull", ollamaModelRequest{Model: e.model, Stream: true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var st ollamaPullStatus
		if err := json.Unmarshal(line, &st); err != nil {
			return goerr.Wrap(err, "ollama pull: decode status", goerr.V("line", string(line)))
		}
		if st.Error != "" {
			return goerr.New("ollama pull failed", goerr.V("model", e.model), goerr.V("error", st.Error))
		}
		if st.Total > 0 {
			progress(float64(st.Completed) / float64(st.Total) * 100)
		}
		if st.Status == "success" {
			progress(100)
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return goerr.Wrap(err, "ollama pull: read stream")
	}
	return goerr.New("ollama pull: stream ended before success", goerr.V("model", e.model))
}

func (e *OllamaEmbedder) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, goerr.Wrap(err, "ollama: marshal request", goerr.V("path", path))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, goerr.Wrap(err, "ollama: create request", goerr.V("path", path))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "ollama request failed", goerr.V("path", path))
	}
	return resp, nil
}
