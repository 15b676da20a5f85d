package procpool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// Config describes how worker processes are started.
type Config struct {
	// Path is the executable started for every worker.
	Path string
	Args []string
	// Env is appended to the coordinator's environment.
	Env []string
	// Size is the number of worker processes.
	Size int
	// Grace bounds how long Close waits for a worker to exit before killing it.
	Grace  time.Duration
	Stderr io.Writer
	Logger log.Logger
}

// Pool is a fixed set of worker processes. Each process handles one request
// at a time; Do blocks until a process is free.
type Pool struct {
	cfg    Config
	logger log.Logger
	idle   chan *proc
	procs  []*proc
	nextID atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

type proc struct {
	index  int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// Start launches cfg.Size worker processes.
func Start(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: empty worker command", ErrWorkerFailed)
	}
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Second
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}

	p := &Pool{
		cfg:    cfg,
		logger: log.With(cfg.Logger, "component", "procpool"),
		idle:   make(chan *proc, cfg.Size),
		procs:  make([]*proc, cfg.Size),
		closed: make(chan struct{}),
	}

	var g errgroup.Group
	for i := 0; i < cfg.Size; i++ {
		i := i
		g.Go(func() error {
			pr, err := p.spawn(i)
			if err != nil {
				return err
			}
			p.procs[i] = pr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = p.Close()
		return nil, err
	}

	for _, pr := range p.procs {
		p.idle <- pr
	}
	level.Debug(p.logger).Log("msg", "worker pool started", "size", cfg.Size, "path", cfg.Path)
	return p, nil
}

func (p *Pool) spawn(index int) (*proc, error) {
	cmd := exec.Command(p.cfg.Path, p.cfg.Args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Stderr = p.cfg.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin: %v", ErrWorkerFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout: %v", ErrWorkerFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrWorkerFailed, p.cfg.Path, err)
	}
	return &proc{
		index:  index,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 64*1024),
	}, nil
}

// Size returns the number of worker processes.
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Do sends steps to the next free worker and waits for its reply. The
// results of the steps listed in keep are returned alongside the tail value.
// onStart, if non-nil, is called once a worker has accepted the request. A
// function failure inside the worker is returned as *RemoteError; any other
// error means the pool is unusable.
func (p *Pool) Do(ctx context.Context, steps []Step, keep []int, onStart func()) (*Reply, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var pr *proc
	select {
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case pr = <-p.idle:
	}

	if onStart != nil {
		onStart()
	}

	req := Request{ID: p.nextID.Add(1), Steps: steps, Keep: keep}
	reply, err := pr.roundTrip(req)
	if err != nil {
		if _, remote := err.(*RemoteError); remote {
			p.release(pr)
			return nil, err
		}
		level.Error(p.logger).Log("msg", "worker failed", "worker", pr.index, "err", err)
		return nil, err
	}
	p.release(pr)
	return reply, nil
}

func (p *Pool) release(pr *proc) {
	select {
	case <-p.closed:
	default:
		p.idle <- pr
	}
}

func (pr *proc) roundTrip(req Request) (*Reply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrWorkerFailed, err)
	}
	if _, err := pr.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("%w: worker %d: write: %v", ErrWorkerFailed, pr.index, err)
	}

	line, err := pr.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: worker %d: read: %v", ErrWorkerFailed, pr.index, err)
	}
	if !gjson.ValidBytes(line) {
		return nil, fmt.Errorf("%w: worker %d: malformed reply", ErrWorkerFailed, pr.index)
	}

	reply := gjson.ParseBytes(line)
	if id := reply.Get("id").Uint(); id != req.ID {
		return nil, fmt.Errorf("%w: worker %d: reply id %d, want %d", ErrWorkerFailed, pr.index, id, req.ID)
	}
	if msg := reply.Get("error"); msg.Exists() {
		return nil, &RemoteError{Task: reply.Get("task").String(), Message: msg.String()}
	}
	out := &Reply{}
	if value := reply.Get("value"); value.Exists() {
		v, err := Decode([]byte(value.Raw))
		if err != nil {
			return nil, fmt.Errorf("%w: worker %d: decode value: %v", ErrWorkerFailed, pr.index, err)
		}
		out.Value = v
	}
	kept := reply.Get("kept").Array()
	if len(kept) != len(req.Keep) {
		return nil, fmt.Errorf("%w: worker %d: %d kept values, want %d", ErrWorkerFailed, pr.index, len(kept), len(req.Keep))
	}
	for _, item := range kept {
		v, err := Decode([]byte(item.Raw))
		if err != nil {
			return nil, fmt.Errorf("%w: worker %d: decode value: %v", ErrWorkerFailed, pr.index, err)
		}
		out.Kept = append(out.Kept, v)
	}
	return out, nil
}

// Close stops every worker. Workers exit on stdin EOF; stragglers are killed
// after the grace period.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)

		var g errgroup.Group
		for _, pr := range p.procs {
			pr := pr
			if pr == nil {
				continue
			}
			g.Go(func() error {
				return pr.stop(p.cfg.Grace)
			})
		}
		p.closeErr = g.Wait()
		level.Debug(p.logger).Log("msg", "worker pool stopped", "err", p.closeErr)
	})
	return p.closeErr
}

func (pr *proc) stop(grace time.Duration) error {
	_ = pr.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- pr.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: worker %d exit: %v", ErrWorkerFailed, pr.index, err)
		}
		return nil
	case <-time.After(grace):
		_ = pr.cmd.Process.Kill()
		<-done
		return fmt.Errorf("%w: worker %d killed after %s", ErrWorkerFailed, pr.index, grace)
	}
}
