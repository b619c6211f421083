package orchestrator

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/drawmind/modelmux/pkg/llm"
)

// probeTimeout bounds one health probe; health checks must stay cheap.
const probeTimeout = 5 * time.Second

// Health categories. Coarser than the error taxonomy on purpose: health
// output is operator-facing and must not leak provider detail.
const (
	CategoryDNS        = "dns"
	CategoryConnection = "connection"
	CategoryTimeout    = "timeout"
	CategoryRateLimit  = "rate_limit"
	CategoryQuota      = "quota"
	CategoryService    = "service"
	CategoryUnknown    = "unknown"
)

// HealthStatus is one model's probe outcome.
type HealthStatus struct {
	Model    string        `json:"model"`
	Healthy  bool          `json:"healthy"`
	Latency  time.Duration `json:"latency_ms"`
	Category string        `json:"category,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// HealthCheck probes every registered physical model in parallel with a
// short timeout. Chat models get a tiny completion; voice models get a
// WebSocket connect/close handshake. Probes bypass the breaker and rate
// limiters: a health check must observe a failing route, not be refused by
// it, and must not consume request budget.
func (o *Orchestrator) HealthCheck(ctx context.Context) map[string]HealthStatus {
	models := o.registry.PhysicalModels()

	var (
		mu  sync.Mutex
		out = make(map[string]HealthStatus, len(models))
	)
	var wg sync.WaitGroup
	for _, name := range models {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := o.probeModel(ctx, name)
			mu.Lock()
			out[name] = status
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (o *Orchestrator) probeModel(ctx context.Context, name string) HealthStatus {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	mc, err := o.registry.Get(name)
	if err != nil {
		return HealthStatus{Model: name, Category: CategoryUnknown, Error: "model not registered"}
	}

	start := o.now()
	if mc.Voice {
		err = wsProbe(probeCtx, mc.WSEndpoint)
	} else {
		err = o.chatProbe(probeCtx, name)
	}
	latency := o.now().Sub(start)

	status := HealthStatus{Model: name, Latency: latency, Healthy: err == nil}
	if err != nil {
		status.Category = categorize(err)
		status.Error = sanitizeProbeError(err)
	}
	return status
}

func (o *Orchestrator) chatProbe(ctx context.Context, name string) error {
	client := o.clients[name]
	if client == nil {
		return errors.New("no client configured")
	}
	maxTokens := 1
	_, err := client.ChatCompletion(ctx, &llm.Request{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
		MaxTokens: &maxTokens,
	})
	// An empty completion still proves the route works; a 1-token budget
	// legitimately produces nothing.
	if e, ok := llm.AsError(err); ok && e.Kind == llm.KindValidation {
		return nil
	}
	return err
}

// categorize maps a probe failure onto the coarse health categories.
func categorize(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryDNS
	}

	if e, ok := llm.AsError(err); ok {
		switch e.Kind {
		case llm.KindRateLimit:
			return CategoryRateLimit
		case llm.KindQuotaExhausted:
			return CategoryQuota
		case llm.KindTimeout, llm.KindCancelled:
			return CategoryTimeout
		case llm.KindTransport:
			return CategoryConnection
		case llm.KindProvider, llm.KindAccessDenied, llm.KindInvalidParameter, llm.KindModelNotFound:
			return CategoryService
		default:
			return CategoryUnknown
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				return CategoryTimeout
			}
			return CategoryConnection
		}
	}
	return CategoryUnknown
}

// sanitizeProbeError keeps health output free of provider payloads: only
// the category-shaped summary survives.
func sanitizeProbeError(err error) string {
	if e, ok := llm.AsError(err); ok {
		return e.UserMessage("en")
	}
	msg := err.Error()
	const maxLen = 120
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}

// wsProbe performs a WebSocket connect/close dance against a voice
// endpoint: dial, HTTP/1.1 Upgrade handshake, expect 101, close. No frames
// are exchanged; reachability and handshake acceptance are the signal.
func wsProbe(ctx context.Context, wsURL string) error {
	u, err := url.Parse(wsURL)
	if err != nil {
		return fmt.Errorf("invalid websocket url: %w", err)
	}

	host := u.Host
	useTLS := u.Scheme == "wss"
	if !strings.Contains(host, ":") {
		if useTLS {
			host += ":443"
		} else {
			host += ":80"
		}
	}

	dialer := &net.Dialer{}
	var conn net.Conn
	if useTLS {
		// tls.Dialer threads ctx through the handshake as well as the TCP
		// connect; a listener that accepts and then stalls must not pin the
		// probe past its deadline.
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: u.Hostname()}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", host)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", host)
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	key := base64.StdEncoding.EncodeToString(nonce)

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	handshake := fmt.Sprintf(
		"GET %s HTTP/1.1\r\n"+
			"Host: %s\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: Upgrade\r\n"+
			"Sec-WebSocket-Key: %s\r\n"+
			"Sec-WebSocket-Version: 13\r\n\r\n",
		path, u.Host, key)
	if _, err := conn.Write([]byte(handshake)); err != nil {
		return err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("websocket handshake rejected: HTTP %d", resp.StatusCode)
	}
	return nil
}
