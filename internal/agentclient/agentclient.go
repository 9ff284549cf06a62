// Package agentclient is the only permitted interface to the in-guest
// agent: a line-delimited JSON protocol over plain TCP. Every call opens a
// fresh connection, writes one JSON line, and reads one line back, mirroring
// the teacher's unix-socket VMM client shape but over TCP with per-op
// timeouts instead of a shared keep-alive client, since each agent op has
// its own mandated deadline.
package agentclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"gopkg.in/retry.v1"

	"github.com/lobsterd/lobsterd/internal/errs"
)

// Per-call timeouts, matching the protocol's mandated deadlines exactly.
const (
	TimeoutHealthPing       = 5 * time.Second
	TimeoutInjectSecrets    = 5 * time.Second
	TimeoutGetStats         = 3 * time.Second
	TimeoutGetActiveConns   = 3 * time.Second
	TimeoutGetCronSchedules = 5 * time.Second
	TimeoutPokeCron         = 15 * time.Second
	TimeoutPokeHeartbeat    = 15 * time.Second
	TimeoutSetTime          = 3 * time.Second
	TimeoutEnsureGateway    = 5 * time.Second
	TimeoutGetLogs          = 5 * time.Second
	TimeoutShutdown         = 5 * time.Second

	maxMessageBytes           = 1 << 20
	waitForAgentDialTimeout   = 3 * time.Second
	waitForAgentRetryInterval = 500 * time.Millisecond
)

// Client talks to one tenant's guest agent.
type Client struct {
	addr  string
	token string
}

// New returns a Client for the agent at ip:port authenticating with token.
func New(ip string, port int, token string) *Client {
	return &Client{addr: fmt.Sprintf("%s:%d", ip, port), token: token}
}

// Secrets is the payload for inject-secrets; fields are omitted when empty.
type Secrets struct {
	OpenclawConfig       string `json:"OPENCLAW_CONFIG,omitempty"`
	OpenclawGatewayToken string `json:"OPENCLAW_GATEWAY_TOKEN,omitempty"`
	SSHAuthorizedKey     string `json:"SSH_AUTHORIZED_KEY,omitempty"`
}

// Stats is the get-stats response.
type Stats struct {
	GatewayPid int `json:"gatewayPid"`
	MemoryKb   int `json:"memoryKb"`
}

// CronSchedule is one entry of get-cron-schedules.
type CronSchedule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	NextRunAtMs int64  `json:"nextRunAtMs"`
	Schedule    string `json:"schedule"`
}

// PokeCronResult is the poke-cron response.
type PokeCronResult struct {
	OK        bool `json:"ok"`
	Triggered int  `json:"triggered"`
	Deferred  int  `json:"deferred"`
}

// ActiveConnections is the get-active-connections response.
type ActiveConnections struct {
	TCP       int `json:"tcp"`
	Cron      int `json:"cron"`
	Heartbeat int `json:"heartbeat"`
}

// GatewayStatus is the launch-openclaw / ensure-gateway response.
type GatewayStatus struct {
	Status string `json:"status"`
	Pid    int    `json:"pid"`
}

// HealthPing expects the literal PONG response.
func (c *Client) HealthPing(ctx context.Context) error {
	line, err := c.roundTrip(ctx, TimeoutHealthPing, map[string]any{"type": "health-ping", "token": c.token})
	if err != nil {
		return err
	}
	if strings.TrimSpace(line) != "PONG" {
		return errs.New(errs.CodeVsockConnectFailed, "health-ping: unexpected response "+line)
	}
	return nil
}

// InjectSecrets expects the literal ACK response.
func (c *Client) InjectSecrets(ctx context.Context, secrets Secrets) error {
	line, err := c.roundTrip(ctx, TimeoutInjectSecrets, map[string]any{"type": "inject-secrets", "token": c.token, "secrets": secrets})
	if err != nil {
		return err
	}
	if strings.TrimSpace(line) != "ACK" {
		return errs.New(errs.CodeVsockConnectFailed, "inject-secrets: unexpected response "+line)
	}
	return nil
}

// EnsureGateway launches the in-guest gateway if it is not already running.
func (c *Client) EnsureGateway(ctx context.Context) (GatewayStatus, error) {
	var out GatewayStatus
	if err := c.roundTripJSON(ctx, TimeoutEnsureGateway, map[string]any{"type": "ensure-gateway", "token": c.token}, &out); err != nil {
		return GatewayStatus{}, err
	}
	return out, nil
}

// GetStats returns gateway pid and memory usage.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var out Stats
	if err := c.roundTripJSON(ctx, TimeoutGetStats, map[string]any{"type": "get-stats", "token": c.token}, &out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

// GetLogs returns the last bytes of the gateway log, or the guest's literal
// "No logs available" sentinel.
func (c *Client) GetLogs(ctx context.Context) (string, error) {
	line, err := c.roundTrip(ctx, TimeoutGetLogs, map[string]any{"type": "get-logs", "token": c.token})
	if err != nil {
		return "", err
	}
	return line, nil
}

// SetTime pushes the host wall clock into the guest.
func (c *Client) SetTime(ctx context.Context, timestampMs int64) error {
	var out struct {
		OK bool `json:"ok"`
	}
	return c.roundTripJSON(ctx, TimeoutSetTime, map[string]any{"type": "set-time", "token": c.token, "timestampMs": timestampMs}, &out)
}

// GetCronSchedules lists the guest's scheduled jobs.
func (c *Client) GetCronSchedules(ctx context.Context) ([]CronSchedule, error) {
	var out struct {
		Schedules []CronSchedule `json:"schedules"`
	}
	if err := c.roundTripJSON(ctx, TimeoutGetCronSchedules, map[string]any{"type": "get-cron-schedules", "token": c.token}, &out); err != nil {
		return nil, err
	}
	return out.Schedules, nil
}

// PokeCron runs overdue jobs now and reschedules upcoming ones.
func (c *Client) PokeCron(ctx context.Context) (PokeCronResult, error) {
	var out PokeCronResult
	if err := c.roundTripJSON(ctx, TimeoutPokeCron, map[string]any{"type": "poke-cron", "token": c.token}, &out); err != nil {
		return PokeCronResult{}, err
	}
	return out, nil
}

// PokeHeartbeat asks the guest to run its heartbeat job immediately; the
// wire op is poke-cron with the same best-effort heartbeat semantics the
// guest applies, bounded by its own TimeoutPokeHeartbeat (currently equal
// to poke-cron's timeout).
func (c *Client) PokeHeartbeat(ctx context.Context) (PokeCronResult, error) {
	var out PokeCronResult
	if err := c.roundTripJSON(ctx, TimeoutPokeHeartbeat, map[string]any{"type": "poke-cron", "token": c.token}, &out); err != nil {
		return PokeCronResult{}, err
	}
	return out, nil
}

// GetActiveConnections reports inbound connections, in-flight cron jobs,
// and in-flight heartbeats.
func (c *Client) GetActiveConnections(ctx context.Context) (ActiveConnections, error) {
	var out ActiveConnections
	if err := c.roundTripJSON(ctx, TimeoutGetActiveConns, map[string]any{"type": "get-active-connections", "token": c.token}, &out); err != nil {
		return ActiveConnections{}, err
	}
	return out, nil
}

// AcquireHold asks the guest to hold off its own idle bookkeeping for an
// in-flight lifecycle operation; ttlMs is the hold's expiry if never
// refreshed.
func (c *Client) AcquireHold(ctx context.Context, ttlMs int64) error {
	line, err := c.roundTrip(ctx, TimeoutEnsureGateway, map[string]any{"type": "acquire-hold", "token": c.token, "ttlMs": ttlMs})
	if err != nil {
		return err
	}
	if strings.TrimSpace(line) != "ACK" {
		return errs.New(errs.CodeVsockConnectFailed, "acquire-hold: unexpected response "+line)
	}
	return nil
}

// ReleaseHold releases a previously acquired hold.
func (c *Client) ReleaseHold(ctx context.Context) error {
	line, err := c.roundTrip(ctx, TimeoutEnsureGateway, map[string]any{"type": "release-hold", "token": c.token})
	if err != nil {
		return err
	}
	if strings.TrimSpace(line) != "ACK" {
		return errs.New(errs.CodeVsockConnectFailed, "release-hold: unexpected response "+line)
	}
	return nil
}

// Shutdown asks the guest to power off after acknowledging.
func (c *Client) Shutdown(ctx context.Context) error {
	line, err := c.roundTrip(ctx, TimeoutShutdown, map[string]any{"type": "shutdown", "token": c.token})
	if err != nil {
		return err
	}
	if strings.TrimSpace(line) != "ACK" {
		return errs.New(errs.CodeVsockConnectFailed, "shutdown: unexpected response "+line)
	}
	return nil
}

// roundTrip dials, writes one JSON request line, reads one response line,
// and returns it raw (after checking for an {"error": ...} envelope).
func (c *Client) roundTrip(ctx context.Context, timeout time.Duration, req map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return "", errs.Wrap(errs.CodeVsockConnectFailed, "dialing agent at "+c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return "", errs.Wrap(errs.CodeVsockConnectFailed, "encoding agent request", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return "", errs.Wrap(errs.CodeVsockConnectFailed, "writing agent request", err)
	}

	reader := bufio.NewReaderSize(conn, maxMessageBytes)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", errs.Wrap(errs.CodeVsockConnectFailed, "reading agent response", err)
	}
	line = strings.TrimRight(line, "\r\n")

	var errEnvelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(line), &errEnvelope) == nil && errEnvelope.Error != "" {
		return "", errs.New(errs.CodeVsockConnectFailed, "agent error: "+errEnvelope.Error)
	}

	return line, nil
}

// roundTripJSON is roundTrip plus decoding the response line into out.
func (c *Client) roundTripJSON(ctx context.Context, timeout time.Duration, req map[string]any, out any) error {
	line, err := c.roundTrip(ctx, timeout, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(line), out); err != nil {
		return errs.Wrap(errs.CodeVsockConnectFailed, "decoding agent response", err)
	}
	return nil
}

// WaitForAgent polls a TCP connect to ip:port, with a 3s per-attempt dial
// timeout and a 500ms sleep between failures, until totalTimeout elapses.
func WaitForAgent(ctx context.Context, ip string, port int, totalTimeout time.Duration) error {
	addr := fmt.Sprintf("%s:%d", ip, port)
	strategy := retry.LimitTime(totalTimeout, retry.Exponential{
		Initial: waitForAgentRetryInterval,
		Factor:  1, // fixed 500ms backoff, not exponential growth
	})

	var lastErr error
	for a := retry.Start(strategy, ctx.Done()); a.Next(ctx.Done()); {
		dialCtx, cancel := context.WithTimeout(ctx, waitForAgentDialTimeout)
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = context.DeadlineExceeded
	}
	return errs.Wrap(errs.CodeVsockConnectFailed, "waiting for agent at "+addr, lastErr)
}
