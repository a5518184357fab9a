package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"muralcraft.ai/internal/fleet"
)

// killTimeout is how long a painter gets between SIGTERM and SIGKILL.
// It must cover a band release against a busy ledger.
const killTimeout = 10 * time.Second

func main() {
	var (
		addr       = flag.String("addr", ":8085", "http listen address (health and metrics)")
		fleetPath  = flag.String("fleet", "./configs/fleet.yaml", "fleet config path")
		poolSize   = flag.Int("pool", 0, "worker pool size (0 = fleet config value)")
		workerBin  = flag.String("worker_bin", "", "worker binary path (default: worker next to this binary)")
		wsURL      = flag.String("ws", "", "world websocket url for workers (overrides fleet config)")
		ledgerPath = flag.String("ledger", "", "ledger database path for workers (overrides fleet config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[swarm] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := fleet.Load(*fleetPath)
	if err != nil {
		logger.Fatalf("load fleet config: %v", err)
	}
	size := cfg.PoolSize
	if *poolSize > 0 {
		size = *poolSize
	}

	bin := *workerBin
	if bin == "" {
		bin = siblingBinary("worker")
	}
	if _, err := os.Stat(bin); err != nil {
		logger.Fatalf("worker binary: %v", err)
	}

	baseArgs := []string{"-fleet", *fleetPath}
	if *wsURL != "" {
		baseArgs = append(baseArgs, "-ws", *wsURL)
	}
	if *ledgerPath != "" {
		baseArgs = append(baseArgs, "-ledger", *ledgerPath)
	}

	ctx, cancel := signalContext()
	defer cancel()

	p := &pool{
		log:      logger,
		bin:      bin,
		baseArgs: baseArgs,
		size:     size,
		procs:    make(map[int]*os.Process),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		up, restarts := p.stats()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP muralcraft_worker_up Whether the worker process is currently running.\n")
		fmt.Fprintf(rw, "# TYPE muralcraft_worker_up gauge\n")
		alive := 0
		for i := 0; i < p.size; i++ {
			v := 0
			if up[i] {
				v = 1
				alive++
			}
			fmt.Fprintf(rw, "muralcraft_worker_up{worker=%q} %d\n", fleet.WorkerName(i), v)
		}

		fmt.Fprintf(rw, "# HELP muralcraft_workers_alive Worker processes currently running.\n")
		fmt.Fprintf(rw, "# TYPE muralcraft_workers_alive gauge\n")
		fmt.Fprintf(rw, "muralcraft_workers_alive %d\n", alive)

		fmt.Fprintf(rw, "# HELP muralcraft_worker_pool_size Configured worker pool size.\n")
		fmt.Fprintf(rw, "# TYPE muralcraft_worker_pool_size gauge\n")
		fmt.Fprintf(rw, "muralcraft_worker_pool_size %d\n", p.size)

		fmt.Fprintf(rw, "# HELP muralcraft_worker_restarts_total Worker process restarts since swarm start.\n")
		fmt.Fprintf(rw, "# TYPE muralcraft_worker_restarts_total counter\n")
		fmt.Fprintf(rw, "muralcraft_worker_restarts_total %d\n", restarts)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()
	go func() {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("ListenAndServe: %v", err)
		}
	}()

	logger.Printf("spawning %d painters (bin=%s)", size, bin)
	p.run(ctx)
	logger.Printf("all painters stopped")
}

// pool supervises one worker process per ordinal and restarts crashed
// ones with a doubling backoff.
type pool struct {
	log      *log.Logger
	bin      string
	baseArgs []string
	size     int

	mu       sync.Mutex
	procs    map[int]*os.Process
	restarts uint64

	wg sync.WaitGroup
}

// run blocks until every supervised child has stopped.
func (p *pool) run(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.supervise(ctx, i)
	}
	p.wg.Wait()
}

func (p *pool) supervise(ctx context.Context, ordinal int) {
	defer p.wg.Done()

	backoff := time.Second
	for {
		start := time.Now()
		err := p.runChild(ctx, ordinal)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("exit status 0")
		}

		// A painter that survived a while earns a fresh backoff: its
		// exit is a new incident, not the same crash loop.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}
		p.log.Printf("%s exited: %v (restart in %s)", fleet.WorkerName(ordinal), err, backoff)
		p.bumpRestarts()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

// runChild starts one worker process and waits for it to exit. When ctx
// is cancelled first, the child gets SIGTERM and killTimeout to release
// its band before it is killed.
func (p *pool) runChild(ctx context.Context, ordinal int) error {
	args := append([]string{"-ordinal", strconv.Itoa(ordinal)}, p.baseArgs...)
	cmd := exec.Command(p.bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	p.track(ordinal, cmd.Process)
	defer p.untrack(ordinal)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err := <-done:
			return err
		case <-time.After(killTimeout):
			p.log.Printf("%s did not stop in %s, killing", fleet.WorkerName(ordinal), killTimeout)
			_ = cmd.Process.Kill()
			return <-done
		}
	}
}

func (p *pool) track(ordinal int, proc *os.Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs[ordinal] = proc
}

func (p *pool) untrack(ordinal int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.procs, ordinal)
}

func (p *pool) bumpRestarts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts++
}

func (p *pool) stats() (up map[int]bool, restarts uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	up = make(map[int]bool, len(p.procs))
	for i := range p.procs {
		up[i] = true
	}
	return up, p.restarts
}

func siblingBinary(name string) string {
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(exe), name)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
