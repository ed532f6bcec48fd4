package vm

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/docker/go-units"
	"github.com/zeebo/blake3"
)

// fingerprint identifies the guest image by hashing kernel and rootfs
// together, so replacing either one counts as a new image.
func fingerprint(paths ...string) (string, error) {
	h := blake3.New()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", p, err)
		}
		h.Write([]byte{0})
	}
	return "vm:" + hex.EncodeToString(h.Sum(nil))[:12], nil
}

type launchSpec struct {
	name      string
	kernel    string
	rootfs    string
	workspace string
	dir       string
	memoryMB  int
	cpus      int
	hostPort  int
	agentPort int
	accel     string
}

// qemuEscape doubles commas, which qemu treats as option separators.
func qemuEscape(s string) string {
	return strings.ReplaceAll(s, ",", ",,")
}

func qemuArgs(s launchSpec) []string {
	cpu := "max"
	if s.accel == "kvm" || s.accel == "hvf" {
		cpu = "host"
	}
	args := []string{
		"-name", s.name,
		"-machine", "q35",
		"-accel", s.accel,
		"-cpu", cpu,
		"-smp", fmt.Sprint(s.cpus),
		"-m", fmt.Sprintf("%dM", s.memoryMB),
		"-kernel", s.kernel,
		"-append", "console=ttyS0 root=/dev/vda rw quiet",
		// Writes go to a throwaway overlay; the base rootfs stays pristine.
		"-drive", "file=" + qemuEscape(s.rootfs) + ",format=raw,if=virtio,snapshot=on",
		"-virtfs", "local,path=" + qemuEscape(s.workspace) + ",mount_tag=workspace,security_model=none,readonly=on",
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp:127.0.0.1:%d-:%d", s.hostPort, s.agentPort),
		"-device", "virtio-net-pci,netdev=net0",
		"-chardev", "socket,id=qga0,path=" + qemuEscape(filepath.Join(s.dir, agentSocket)) + ",server=on,wait=off",
		"-device", "virtio-serial",
		"-device", "virtserialport,chardev=qga0,name=org.qemu.guest_agent.0",
		"-fw_cfg", "name=opt/discobot/env,file=" + qemuEscape(filepath.Join(s.dir, envFile)),
		"-display", "none",
		"-monitor", "none",
		"-serial", "stdio",
		"-no-reboot",
	}
	return args
}

func humanMemory(mb int) string {
	return units.BytesSize(float64(int64(mb) * units.MiB))
}

func writeEnvFile(dir string, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}
	return os.WriteFile(filepath.Join(dir, envFile), []byte(b.String()), 0o600)
}

// console owns the serial console pty. It drains guest output continuously
// and forwards it to at most one attached terminal.
type console struct {
	master *os.File

	mu   sync.Mutex
	sink *io.PipeWriter
}

func newConsole(master *os.File) *console {
	c := &console{master: master}
	go c.pump()
	return c
}

func (c *console) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := c.master.Read(buf)
		if n > 0 {
			c.mu.Lock()
			if c.sink != nil {
				if _, werr := c.sink.Write(buf[:n]); werr != nil {
					c.sink = nil
				}
			}
			c.mu.Unlock()
		}
		if err != nil {
			c.mu.Lock()
			if c.sink != nil {
				c.sink.CloseWithError(io.EOF)
				c.sink = nil
			}
			c.mu.Unlock()
			return
		}
	}
}

// attach connects a reader to the console; only one may be attached.
func (c *console) attach() (*io.PipeReader, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink != nil {
		return nil, false
	}
	r, w := io.Pipe()
	c.sink = w
	return r, true
}

func (c *console) detach(r *io.PipeReader) {
	r.Close()
}

func (c *console) resize(rows, cols int) error {
	return pty.Setsize(c.master, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

func (c *console) close() error {
	return c.master.Close()
}

// consolePTY is the terminal handed out by Attach.
type consolePTY struct {
	c      *console
	r      *io.PipeReader
	exited <-chan struct{}
	code   func() int
	once   sync.Once
}

func (t *consolePTY) Read(p []byte) (int, error)  { return t.r.Read(p) }
func (t *consolePTY) Write(p []byte) (int, error) { return t.c.master.Write(p) }

func (t *consolePTY) Resize(_ context.Context, rows, cols int) error {
	return t.c.resize(rows, cols)
}

func (t *consolePTY) Close() error {
	t.once.Do(func() { t.c.detach(t.r) })
	return nil
}

// Wait returns when the VM exits, since the console lives as long as the guest.
func (t *consolePTY) Wait(ctx context.Context) (int, error) {
	select {
	case <-t.exited:
		return t.code(), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
