// Package attach loads the agent shim into running Java virtual machines.
package attach

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-version"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/grafana/jfr-agent/pkg/internal/javaver"
)

func log() *slog.Logger {
	return slog.With("component", "attach.Attacher")
}

// ErrNotSupported is returned on platforms where dynamic attach is not implemented.
var ErrNotSupported = errors.New("attaching to JVMs is not supported on this platform")

// Target is a JVM process.
type Target struct {
	PID     int32
	Exe     string
	Cmdline string
}

// jattachFunc sends a command through the attach mechanism of the JVM and returns its output.
type jattachFunc func(pid int, argv []string, logger *slog.Logger) (io.ReadCloser, error)

type Config struct {
	// ShimJar is the path of the agent shim jar, as seen from the target process.
	ShimJar string
	// BridgeURL is the address the shim connects to.
	BridgeURL string
}

type Attacher struct {
	cfg Config
	// injectable functions
	jattach       jattachFunc
	listProcesses func(ctx context.Context) ([]*process.Process, error)
}

func New(cfg Config) *Attacher {
	return &Attacher{cfg: cfg, jattach: jattach, listProcesses: process.ProcessesWithContext}
}

// FindJVMs returns the Java processes whose command line contains nameContains. An empty
// filter matches every Java process.
func (a *Attacher) FindJVMs(ctx context.Context, nameContains string) ([]Target, error) {
	procs, err := a.listProcesses(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting system processes: %w", err)
	}
	var targets []Target
	for _, p := range procs {
		exe, err := p.ExeWithContext(ctx)
		if err != nil {
			log().Debug("couldn't get executable name for process. Ignoring", "pid", p.Pid, "error", err)
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			log().Debug("couldn't get command line for process. Ignoring", "pid", p.Pid, "error", err)
			continue
		}
		t := Target{PID: p.Pid, Exe: exe, Cmdline: cmdline}
		if t.matches(nameContains) {
			targets = append(targets, t)
		}
	}
	return targets, nil
}

func (t Target) matches(nameContains string) bool {
	base := filepath.Base(t.Exe)
	if base != "java" && base != "java.exe" {
		return false
	}
	return strings.Contains(t.Cmdline, nameContains)
}

// Version returns the version of the JVM, from its VM.version diagnostic command.
func (a *Attacher) Version(pid int32) (*version.Version, error) {
	out, err := a.run(pid, []string{"jcmd", "VM.version"})
	if err != nil {
		return nil, err
	}
	return javaver.Parse(out)
}

// Attach checks that the JVM is supported and loads the shim into it.
func (a *Attacher) Attach(pid int32) error {
	if a.cfg.ShimJar == "" || a.cfg.BridgeURL == "" {
		return errors.New("the shim jar and the bridge URL are required")
	}
	out, err := a.run(pid, []string{"jcmd", "VM.version"})
	if err != nil {
		return fmt.Errorf("querying JVM version: %w", err)
	}
	v, err := javaver.Check(out)
	if err != nil {
		return err
	}
	log().Info("loading agent shim", "pid", pid, "jvmVersion", v, "jar", a.cfg.ShimJar)
	command := fmt.Sprintf("%s=bridge=%s", a.cfg.ShimJar, a.cfg.BridgeURL)
	out, err = a.run(pid, []string{"load", "instrument", "false", command})
	if err != nil {
		return fmt.Errorf("loading agent shim: %w", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			log().Debug("JVM output", "pid", pid, "jvm", line)
		}
	}
	return nil
}

func (a *Attacher) run(pid int32, argv []string) (string, error) {
	out, err := a.jattach(int(pid), argv, log().With("pid", pid))
	if err != nil {
		log().Error("error executing command for the JVM", "pid", pid, "command", argv, "error", err)
		return "", err
	}
	if out == nil {
		return "", fmt.Errorf("no response from JVM %d", pid)
	}
	defer out.Close()
	var sb strings.Builder
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return sb.String(), fmt.Errorf("reading JVM response: %w", err)
	}
	return sb.String(), nil
}
