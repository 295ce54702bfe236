// Package guest implements the agent that runs as init inside a Firecracker
// microVM. It receives one execution over vsock, fetches the input files,
// runs the process executable and streams logs, progress steps and output
// files back to the host.
package guest

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	fc "github.com/seantiz/crucible/internal/engine/firecracker"
	"github.com/seantiz/crucible/internal/model"
)

// StepPrefix marks a stdout line as a progress step rather than a log line.
const StepPrefix = "::step "

const defaultTimeout = 30 * time.Minute

// Agent handles vsock connections and runs processes.
type Agent struct {
	listener   net.Listener
	workDir    string
	processDir string
	client     *http.Client

	// ctx is cancelled by Close and bounds every run.
	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// New creates an agent that runs executables from processDir with workDir
// as scratch space.
func New(listener net.Listener, workDir, processDir string) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		listener:   listener,
		workDir:    workDir,
		processDir: processDir,
		client:     &http.Client{Timeout: 10 * time.Minute},
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Serve accepts connections until the listener is closed. After Close it
// waits for open connections to send their results and returns nil.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
				a.conns.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		a.conns.Go(func() { a.handleConnection(conn) })
	}
}

// Close stops accepting connections and kills any running process. The
// interrupted run still reports a failed result.
func (a *Agent) Close() error {
	a.cancel()
	if a.listener == nil {
		return nil
	}
	return a.listener.Close()
}

// conn serialises writes from the stdout and stderr readers.
type conn struct {
	mu sync.Mutex
	c  net.Conn
}

func (c *conn) send(msg fc.GuestMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fc.WriteMessage(c.c, &msg)
}

func (a *Agent) handleConnection(nc net.Conn) {
	defer nc.Close()
	c := &conn{c: nc}

	var req fc.GuestRequest
	if err := fc.ReadMessage(nc, &req); err != nil {
		log.Printf("read request: %v", err)
		c.sendResult(failed("read request: %v", err))
		return
	}

	c.sendResult(a.run(c, &req))
}

func failed(format string, args ...any) fc.GuestResponse {
	return fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf(format, args...)}
}

// run prepares the work directory, runs the process and sends its outputs.
func (a *Agent) run(c *conn, req *fc.GuestRequest) fc.GuestResponse {
	if req.Process == "" || strings.ContainsAny(req.Process, `/\`) || req.Process == "." || req.Process == ".." {
		return failed("invalid process name %q", req.Process)
	}
	bin := filepath.Join(a.processDir, req.Process)
	if _, err := os.Stat(bin); err != nil {
		return failed("process %q is not installed: %v", req.Process, err)
	}

	timeout := time.Duration(req.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(a.ctx, timeout)
	defer cancel()

	inDir := filepath.Join(a.workDir, "in")
	outDir := filepath.Join(a.workDir, "out")
	if err := resetDirs(inDir, outDir); err != nil {
		return failed("prepare work dir: %v", err)
	}

	env := os.Environ()
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "CRUCIBLE_INPUT_DIR="+inDir, "CRUCIBLE_OUTPUT_DIR="+outDir)

	for _, in := range req.InputFiles {
		p, err := a.fetch(ctx, inDir, in)
		if err != nil {
			return failed("fetch input %s: %v", in.Name, err)
		}
		if in.Parameter != "" {
			env = append(env, "CRUCIBLE_INPUT_"+envName(in.Parameter)+"="+p)
		}
	}
	if len(req.InputFiles) > 0 {
		c.send(fc.GuestMessage{Type: fc.MsgTypeStep, Line: fmt.Sprintf("fetched %d input files", len(req.InputFiles))})
	}

	cmd := exec.CommandContext(ctx, bin)
	cmd.Dir = a.workDir
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failed("stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return failed("stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return failed("start process: %v", err)
	}

	var wg sync.WaitGroup
	wg.Go(func() { c.streamLines(stdout, true) })
	wg.Go(func() { c.streamLines(stderr, false) })
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		resp := fc.GuestResponse{ExitCode: 1, Error: err.Error()}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			resp.ExitCode = exitErr.ExitCode()
		}
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			resp.Error = fmt.Sprintf("timeout after %s", timeout)
		case a.ctx.Err() != nil:
			resp.Error = "interrupted: guest shutting down"
		}
		return resp
	}

	outputs, err := c.sendOutputs(outDir)
	if err != nil {
		return failed("send outputs: %v", err)
	}
	return fc.GuestResponse{Outputs: outputs}
}

// fetch downloads one input file into dir and checks its size and checksum.
func (a *Agent) fetch(ctx context.Context, dir string, in model.InputFile) (string, error) {
	if in.Name == "" || strings.ContainsAny(in.Name, `/\`) || in.Name == "." || in.Name == ".." {
		return "", fmt.Errorf("invalid file name %q", in.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", in.URL, resp.Status)
	}

	p := filepath.Join(dir, in.Name)
	f, err := os.Create(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var w io.Writer = f
	var digest hash.Hash
	if in.Checksum.Verifiable() {
		digest = newHash(in.Checksum.Method)
		w = io.MultiWriter(f, digest)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return "", err
	}
	if in.SizeBytes > 0 && n != in.SizeBytes {
		return "", fmt.Errorf("got %d bytes, expected %d", n, in.SizeBytes)
	}
	if digest != nil {
		if got := hex.EncodeToString(digest.Sum(nil)); !strings.EqualFold(got, in.Checksum.Value) {
			return "", fmt.Errorf("%s checksum %s, expected %s", in.Checksum.Method, got, in.Checksum.Value)
		}
	}
	return p, nil
}

// streamLines forwards each line of r as a log message. On stdout, lines
// starting with StepPrefix become step messages.
func (c *conn) streamLines(r io.Reader, stdout bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		msg := fc.GuestMessage{Type: fc.MsgTypeLog, Line: line}
		if step, ok := strings.CutPrefix(line, StepPrefix); ok && stdout {
			msg = fc.GuestMessage{Type: fc.MsgTypeStep, Line: strings.TrimSpace(step)}
		}
		if err := c.send(msg); err != nil {
			log.Printf("write line: %v", err)
			// Keep draining so the process does not block on a full pipe.
			io.Copy(io.Discard, r)
			return
		}
	}
}

// sendOutputs streams every regular file directly in dir, in name order,
// and returns their descriptions.
func (c *conn) sendOutputs(dir string) ([]fc.GuestOutput, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	outputs := make([]fc.GuestOutput, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		out, err := c.sendFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (c *conn) sendFile(p string) (fc.GuestOutput, error) {
	f, err := os.Open(p)
	if err != nil {
		return fc.GuestOutput{}, err
	}
	defer f.Close()

	name := filepath.Base(p)
	digest := sha256.New()
	buf := make([]byte, fc.FileChunkSize)
	var size int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			digest.Write(buf[:n])
			size += int64(n)
			if serr := c.send(fc.GuestMessage{Type: fc.MsgTypeFile, File: name, Data: buf[:n]}); serr != nil {
				return fc.GuestOutput{}, serr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fc.GuestOutput{}, err
		}
	}
	return fc.GuestOutput{Name: name, SizeBytes: size, SHA256: hex.EncodeToString(digest.Sum(nil))}, nil
}

func (c *conn) sendResult(resp fc.GuestResponse) {
	if err := c.send(fc.GuestMessage{Type: fc.MsgTypeResult, Response: &resp}); err != nil {
		log.Printf("write result: %v", err)
	}
}

// resetDirs empties dirs by recreating them. The work dir itself may be a
// mount point, so only its children are removed.
func resetDirs(dirs ...string) error {
	for _, d := range dirs {
		if err := os.RemoveAll(d); err != nil {
			return err
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func newHash(method string) hash.Hash {
	switch strings.ToLower(method) {
	case model.ChecksumMD5:
		return md5.New()
	case model.ChecksumSHA1:
		return sha1.New()
	case model.ChecksumSHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}

// envName turns a parameter name into an environment variable suffix.
func envName(param string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, param)
}
