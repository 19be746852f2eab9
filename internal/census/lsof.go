package census

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Lsof lists connections with `lsof -i :<port> -P -n`.
type Lsof struct {
	Path string
}

func (l Lsof) Connections(ctx context.Context, port int) ([]string, error) {
	path := l.Path
	if path == "" {
		path = "lsof"
	}
	cmd := exec.CommandContext(ctx, path, "-i", fmt.Sprintf(":%d", port), "-P", "-n")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		// lsof exits 1 with no output when nothing matches.
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && strings.TrimSpace(stdout.String()) == "" && strings.TrimSpace(stderr.String()) == "" {
			return []string{}, nil
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w", msg, err)
		}
		return nil, err
	}
	return ParseLsof(stdout.String()), nil
}

// ParseLsof drops the header row and blank lines.
func ParseLsof(output string) []string {
	lines := []string{}
	for i, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if i == 0 && strings.HasPrefix(line, "COMMAND") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
