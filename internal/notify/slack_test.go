package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soulchat/pkg/interfaces"
	"soulchat/pkg/types"
)

var _ interfaces.CrisisListener = (*SlackNotifier)(nil)

type webhookRecorder struct {
	mu       sync.Mutex
	payloads []map[string]interface{}
}

func (w *webhookRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &payload))

		w.mu.Lock()
		w.payloads = append(w.payloads, payload)
		w.mu.Unlock()
		rw.WriteHeader(http.StatusOK)
	}
}

func (w *webhookRecorder) texts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.payloads))
	for _, p := range w.payloads {
		text, _ := p["text"].(string)
		out = append(out, text)
	}
	return out
}

func TestSlackNotifier_PostsTransitions(t *testing.T) {
	rec := &webhookRecorder{}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	n := NewSlackNotifier(server.URL, "#crisis", time.Second, zerolog.Nop())
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := types.CrisisState{
		Scope:             "group:3",
		Active:            true,
		StartedAt:         start,
		ExpiresAt:         start.Add(5 * time.Minute),
		TriggerText:       "private words",
		SourceSessionID:   "5f0c2a7e-internal",
		SourceDisplayCode: "Soul#4821",
	}

	n.CrisisActivated(state)
	n.Wait()
	n.CrisisRefreshed(state)
	n.Wait()
	n.CrisisEnded(state, "expired")
	n.Wait()

	texts := rec.texts()
	require.Len(t, texts, 2, "refresh does not notify")
	assert.Contains(t, texts[0], "Crisis mode active for *group:3*")
	assert.Contains(t, texts[0], "triggered by a message from *Soul#4821*")
	assert.Contains(t, texts[1], "Reason: expired")
	for _, text := range texts {
		assert.NotContains(t, text, "private words")
		assert.NotContains(t, text, "5f0c2a7e-internal")
	}

	rec.mu.Lock()
	assert.Equal(t, "#crisis", rec.payloads[0]["channel"])
	assert.NotEmpty(t, rec.payloads[0]["blocks"])
	rec.mu.Unlock()
}

func TestSlackNotifier_ManualActivation(t *testing.T) {
	rec := &webhookRecorder{}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	n := NewSlackNotifier(server.URL, "", 0, zerolog.Nop())
	n.CrisisActivated(types.CrisisState{Scope: "global", Manual: true})
	n.Wait()

	texts := rec.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "activated by an operator")
}

func TestSlackNotifier_ActivationWithoutDisplayCode(t *testing.T) {
	rec := &webhookRecorder{}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	n := NewSlackNotifier(server.URL, "", 0, zerolog.Nop())
	n.CrisisActivated(types.CrisisState{Scope: "global"})
	n.Wait()

	texts := rec.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "triggered by a participant message")
}

func TestSlackNotifier_WebhookFailureDoesNotPanic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := NewSlackNotifier(server.URL, "", time.Second, zerolog.Nop())
	assert.NotPanics(t, func() {
		n.CrisisEnded(types.CrisisState{Scope: "global"}, "deactivated")
		n.Wait()
	})
}
