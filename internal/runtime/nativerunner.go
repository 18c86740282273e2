package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/keel-sh/keel/internal/event"
	"github.com/keel-sh/keel/internal/manifest"
)

// NativeRunner executes native agents as child processes. The agent
// receives the input JSON on stdin and emits one JSON event per line on
// stdout.
type NativeRunner struct {
	issuer *TicketIssuer
}

// NewNativeRunner creates a runner redeeming tickets against issuer.
func NewNativeRunner(issuer *TicketIssuer) *NativeRunner {
	return &NativeRunner{issuer: issuer}
}

// Dispatch redeems the tickets and runs the agent binary to completion.
func (n *NativeRunner) Dispatch(ctx context.Context, m *manifest.Manifest, baseDir, input string, tickets []Ticket) ([]event.Event, error) {
	for _, t := range tickets {
		if err := n.issuer.Redeem(t.ID); err != nil {
			return nil, fmt.Errorf("ticket for %s: %w", t.Capability.String(), err)
		}
	}

	payload, err := json.Marshal(struct {
		Prompt string `json:"prompt"`
	}{Prompt: input})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, m.EntryPath(baseDir))
	cmd.Dir = baseDir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent %s stdin: %w", m.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent %s stdout: %w", m.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent %s: %w", m.Name, err)
	}

	go func() {
		defer stdin.Close()
		_, _ = stdin.Write(append(payload, '\n'))
	}()

	var events []event.Event
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("skipping malformed agent output line", "agent", m.Name, "err", err)
			continue
		}
		events = append(events, ev)
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		return events, fmt.Errorf("agent %s exited: %w", m.Name, err)
	}
	if scanErr != nil {
		return events, fmt.Errorf("agent %s output: %w", m.Name, scanErr)
	}
	return events, nil
}
