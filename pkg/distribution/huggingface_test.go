package distribution_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/engelmi/ramalama/pkg/distribution"
)

func TestHuggingFacePull(t *testing.T) {
	content := []byte("gguf file from the hub")
	var requests []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.Path)
		if r.URL.Path != "/TheBloke/Llama-3-GGUF/resolve/main/llama-3.Q4_K_M.gguf" {
			http.NotFound(w, r)
			return
		}
		w.Write(content)
	}))
	defer ts.Close()

	client := newTestClient(t, distribution.WithHuggingFaceEndpoint(ts.URL))

	path, err := client.Pull(context.Background(), "huggingface://TheBloke/Llama-3-GGUF/llama-3.Q4_K_M.gguf")
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read published model: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("published content: got %q expected %q", got, content)
	}
	if len(requests) != 1 {
		t.Fatalf("hub requests: got %v expected exactly one resolve request", requests)
	}

	t.Run("second pull needs no network", func(t *testing.T) {
		before := len(requests)
		again, err := client.Pull(context.Background(), "huggingface://TheBloke/Llama-3-GGUF/llama-3.Q4_K_M.gguf")
		if err != nil {
			t.Fatalf("second Pull: %v", err)
		}
		if again != path {
			t.Errorf("second pull path: got %q expected %q", again, path)
		}
		if len(requests) != before {
			t.Fatalf("idempotent pull made %d requests, expected 0", len(requests)-before)
		}
	})
}

func TestHuggingFacePullNotFound(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	client := newTestClient(t, distribution.WithHuggingFaceEndpoint(ts.URL))

	_, err := client.Pull(context.Background(), "huggingface://nobody/nothing/missing.gguf")
	var notFound *distribution.ModelNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ModelNotFoundError, got %v", err)
	}
}
