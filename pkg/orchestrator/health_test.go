package orchestrator

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drawmind/modelmux/pkg/breaker"
	"github.com/drawmind/modelmux/pkg/llm"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"dns failure", &net.DNSError{Name: "api.example.com", IsNotFound: true}, CategoryDNS},
		{"rate limited", &llm.Error{Kind: llm.KindRateLimit}, CategoryRateLimit},
		{"quota gone", &llm.Error{Kind: llm.KindQuotaExhausted}, CategoryQuota},
		{"provider timeout", &llm.Error{Kind: llm.KindTimeout}, CategoryTimeout},
		{"transport", &llm.Error{Kind: llm.KindTransport}, CategoryConnection},
		{"provider 5xx", &llm.Error{Kind: llm.KindProvider}, CategoryService},
		{"auth rejected", &llm.Error{Kind: llm.KindAccessDenied}, CategoryService},
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"unclassified", errors.New("weird"), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, categorize(tt.err))
		})
	}
}

func TestSanitizeProbeErrorNeverLeaksProviderPayload(t *testing.T) {
	err := &llm.Error{
		Kind:    llm.KindProvider,
		Message: `{"error":{"message":"internal stack trace with secrets"}}`,
	}
	msg := sanitizeProbeError(err)
	assert.NotContains(t, msg, "stack trace")
	assert.NotEmpty(t, msg)
}

func TestHealthCheckProbesEveryPhysicalModel(t *testing.T) {
	// Point the voice probe at a dead local port so the test stays offline.
	t.Setenv("COSYVOICE_WS_URL", "ws://127.0.0.1:1")

	clients := map[string]llm.Client{
		"qwen":         &fakeClient{},
		"deepseek":     &fakeClient{},
		"ark-deepseek": &fakeClient{errs: []error{&llm.Error{Kind: llm.KindRateLimit}}},
		"kimi":         &fakeClient{},
		"doubao":       &fakeClient{},
	}
	r := newRig(t, clients)

	statuses := r.orch.HealthCheck(context.Background())

	// One entry per registered physical model, the voice model included.
	for _, name := range []string{"qwen", "deepseek", "ark-deepseek", "kimi", "doubao", "cosyvoice"} {
		_, ok := statuses[name]
		assert.True(t, ok, "missing status for %s", name)
	}

	assert.True(t, statuses["qwen"].Healthy)
	assert.False(t, statuses["ark-deepseek"].Healthy)
	assert.Equal(t, CategoryRateLimit, statuses["ark-deepseek"].Category)
	assert.NotEmpty(t, statuses["ark-deepseek"].Error)
}

func TestHealthCheckBypassesOpenBreaker(t *testing.T) {
	t.Setenv("COSYVOICE_WS_URL", "ws://127.0.0.1:1")
	client := &fakeClient{}
	r := newRig(t, map[string]llm.Client{"qwen": client})

	for i := 0; i < 5; i++ {
		r.tracker.Record("qwen", time.Second, breaker.OutcomeFailure, "provider")
	}
	require.False(t, r.tracker.CanCall("qwen"))

	statuses := r.orch.HealthCheck(context.Background())
	assert.True(t, statuses["qwen"].Healthy)
	assert.GreaterOrEqual(t, client.callCount(), 1)
}

func TestChatProbeTreatsEmptyCompletionAsHealthy(t *testing.T) {
	t.Setenv("COSYVOICE_WS_URL", "ws://127.0.0.1:1")
	client := &fakeClient{errs: []error{&llm.Error{Kind: llm.KindValidation}}}
	r := newRig(t, map[string]llm.Client{"qwen": client})

	statuses := r.orch.HealthCheck(context.Background())
	assert.True(t, statuses["qwen"].Healthy)
}

func TestVoiceProbeTLSHonorsDeadline(t *testing.T) {
	// A listener that accepts the TCP connection and then says nothing
	// stalls the TLS handshake; the probe must still return by its deadline.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				c.Close()
			}
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = wsProbe(ctx, "wss://"+ln.Addr().String())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHealthCheckMissingClient(t *testing.T) {
	t.Setenv("COSYVOICE_WS_URL", "ws://127.0.0.1:1")
	r := newRig(t, map[string]llm.Client{})

	statuses := r.orch.HealthCheck(context.Background())
	st := statuses["qwen"]
	assert.False(t, st.Healthy)
	assert.Equal(t, CategoryUnknown, st.Category)
}
