package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
)

// DefaultLogDir is where the device writes its rotating CSV logs.
const DefaultLogDir = "/logging/video-adas"

var ErrNoLogFile = errors.New("no log file found")

// LatestLogPath returns the newest CSV log in dir on the device.
func LatestLogPath(ctx context.Context, exec Executor, dir string) (string, error) {
	if dir == "" {
		dir = DefaultLogDir
	}
	pattern := strings.TrimRight(dir, "/") + "/*.csv"
	out, err := exec.Execute(ctx, "ls -1t "+pattern+" 2>/dev/null | head -n 1")
	if err != nil {
		return "", fmt.Errorf("list logs in %s: %w", dir, err)
	}
	latest := strings.TrimSpace(out)
	if latest == "" {
		return "", fmt.Errorf("%s: %w", dir, ErrNoLogFile)
	}
	return latest, nil
}

// GetFile returns the content of a device file.
func GetFile(ctx context.Context, exec Executor, name string) (string, error) {
	out, err := exec.Execute(ctx, "cat "+Quote(name))
	if err != nil {
		return "", fmt.Errorf("get %s: %w", name, err)
	}
	return out, nil
}

// PutFile replaces a device file with content.
func PutFile(ctx context.Context, exec Executor, name, content string) error {
	cmd := fmt.Sprintf("mkdir -p %s && printf '%%s' %s > %s",
		Quote(path.Dir(name)), Quote(content), Quote(name))
	if _, err := exec.Execute(ctx, cmd); err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

// PortHolder is the process listening on a TCP port.
type PortHolder struct {
	PID  int
	Name string
}

// FindPortHolder returns the process listening on port, or nil if the port
// is free.
func FindPortHolder(ctx context.Context, exec Executor, port int) (*PortHolder, error) {
	out, err := exec.Execute(ctx, fmt.Sprintf("lsof -nP -iTCP:%d -sTCP:LISTEN -Fpc", port))
	if err != nil {
		// lsof exits 1 when nothing matches.
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitStatus == 1 && strings.TrimSpace(out) == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("probe port %d: %w", port, err)
	}
	return parseLsof(out), nil
}

// parseLsof reads the first process from lsof -F output ("p<pid>",
// "c<command>" lines).
func parseLsof(out string) *PortHolder {
	var holder *PortHolder
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 2 {
			continue
		}
		switch line[0] {
		case 'p':
			if holder != nil {
				return holder
			}
			pid, err := strconv.Atoi(line[1:])
			if err != nil {
				continue
			}
			holder = &PortHolder{PID: pid}
		case 'c':
			if holder != nil {
				holder.Name = line[1:]
			}
		}
	}
	return holder
}

func KillProcess(ctx context.Context, exec Executor, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if _, err := exec.Execute(ctx, "kill -9 "+strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

// ReclaimPort walks forward from port until it finds one nobody listens on,
// killing each holder it passes. It gives up after retries busy ports.
func ReclaimPort(ctx context.Context, exec Executor, port, retries int, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for attempt := 0; ; attempt++ {
		holder, err := FindPortHolder(ctx, exec, port)
		if err != nil {
			return 0, err
		}
		if holder == nil {
			logger.Info("port available", "port", port)
			return port, nil
		}
		if attempt >= retries {
			return 0, fmt.Errorf("port %d still held by %s (pid %d) after %d retries", port, holder.Name, holder.PID, retries)
		}
		logger.Warn("port in use, killing holder", "port", port, "pid", holder.PID, "process", holder.Name)
		if err := KillProcess(ctx, exec, holder.PID); err != nil {
			logger.Warn("kill failed", "pid", holder.PID, "error", err)
		}
		port++
	}
}
