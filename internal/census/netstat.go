package census

import (
	"context"
	"fmt"
	"syscall"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// Netstat reads the kernel connection table through gopsutil, for hosts
// without lsof. Lines are shaped like lsof rows so the same classification
// applies.
type Netstat struct{}

func (Netstat) Connections(ctx context.Context, port int) ([]string, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}
	names := map[int32]string{}
	lines := []string{}
	for _, conn := range conns {
		if conn.Laddr.Port != uint32(port) && conn.Raddr.Port != uint32(port) {
			continue
		}
		name, ok := names[conn.Pid]
		if !ok {
			name = processName(ctx, conn.Pid)
			names[conn.Pid] = name
		}
		lines = append(lines, FormatConnection(name, conn))
	}
	return lines, nil
}

func processName(ctx context.Context, pid int32) string {
	if pid <= 0 {
		return "?"
	}
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "?"
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil || name == "" {
		return "?"
	}
	return name
}

func FormatConnection(name string, conn psnet.ConnectionStat) string {
	proto := "TCP"
	if conn.Type == syscall.SOCK_DGRAM {
		proto = "UDP"
	}
	local := fmt.Sprintf("%s:%d", conn.Laddr.IP, conn.Laddr.Port)
	endpoint := local
	if conn.Raddr.IP != "" && conn.Raddr.Port != 0 {
		endpoint = fmt.Sprintf("%s->%s:%d", local, conn.Raddr.IP, conn.Raddr.Port)
	}
	line := fmt.Sprintf("%s %d %s %s", name, conn.Pid, proto, endpoint)
	if conn.Status != "" && conn.Status != "NONE" {
		line += " (" + conn.Status + ")"
	}
	return line
}
