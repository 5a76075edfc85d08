package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kfcemployee/emberweb/internal/ratelimit"
)

const maxEvents = 1024

// TriggerMode selects level- or edge-triggered readiness for a descriptor.
type TriggerMode int

const (
	LevelTriggered TriggerMode = iota
	EdgeTriggered
)

// ActorModel selects which side performs the connection's I/O syscalls.
type ActorModel int

const (
	ReactorModel ActorModel = iota
	ProactorModel
)

// Config configures a Reactor.
type Config struct {
	Addr    [4]byte
	Port    int
	Backlog int

	MaxConns int // 0 means derive from RLIMIT_NOFILE

	ListenerTrigger TriggerMode
	ConnTrigger     TriggerMode
	ActorModel      ActorModel

	Timeslot time.Duration // Δ; idle timeout is 3Δ

	WorkerCount   int
	QueueCapacity int
	PinWorkers    bool

	// AcceptRatePerSecond and AcceptBurst bound how many connections a
	// single remote IP may open; 0 disables the limiter.
	AcceptRatePerSecond float64
	AcceptBurst         int
}

// Processor advances a connection's HTTP state machine. The engine package
// only calls through this interface — it never imports the dispatch
// package that implements it, to avoid a cycle (dispatch needs *Connection
// from engine).
type Processor interface {
	// Process parses as much of c's read buffer as is available and, once a
	// full request has been parsed, dispatches it and assembles a response
	// plan. It reports fatal if the connection must be torn down without a
	// response; a malformed request instead gets a 400 response plan with
	// keep-alive cleared, so it is closed after that response is written.
	Process(c *Connection) (fatal bool)
}

// Observer receives connection lifecycle counters; implemented by the
// metrics package. A nil Observer is valid — every method is a no-op then.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	ConnectionExpired()
	ConnectionBusyRejected()
	ConnectionRateLimited()
	QueueDepth(n int)
}

type noopObserver struct{}

func (noopObserver) ConnectionOpened()       {}
func (noopObserver) ConnectionClosed()       {}
func (noopObserver) ConnectionExpired()      {}
func (noopObserver) ConnectionBusyRejected() {}
func (noopObserver) ConnectionRateLimited()  {}
func (noopObserver) QueueDepth(int)          {}

// Reactor is the readiness-driven dispatcher (C9): it owns the listening
// socket, every client socket, the self-pipe signal channel, and the
// periodic expiry tick, grounded on server/engine/epoll.go's StartEpoll
// generalized to the x/sys/unix idiom shown in
// other_examples/bhanukaranwal-AlgoVeda__tcp_server.go.
type Reactor struct {
	cfg       Config
	processor Processor
	obs       Observer
	logger    *slog.Logger

	epfd     int
	listenFd int
	pipeR    int
	pipeW    int

	conns     []atomic.Pointer[Connection]
	connCount atomic.Int64

	expiry  *ExpiryList
	queue   *Queue
	pool    *Pool
	limiter *ratelimit.Limiter

	tickPending atomic.Bool
	stopping    atomic.Bool

	ready      chan struct{}
	actualPort int
}

// New constructs a Reactor. It does not touch the network until Run is
// called.
func New(cfg Config, processor Processor, obs Observer, logger *slog.Logger) *Reactor {
	if obs == nil {
		obs = noopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = maxFDFromRlimit()
	}
	if cfg.Timeslot <= 0 {
		cfg.Timeslot = 5 * time.Second
	}
	r := &Reactor{
		cfg:       cfg,
		processor: processor,
		obs:       obs,
		logger:    logger,
		listenFd:  -1,
		pipeR:     -1,
		pipeW:     -1,
		conns:     make([]atomic.Pointer[Connection], cfg.MaxConns),
		expiry:    NewExpiryList(),
		ready:     make(chan struct{}),
		limiter:   ratelimit.New(cfg.AcceptRatePerSecond, cfg.AcceptBurst),
	}
	r.queue = NewQueue(cfg.QueueCapacity)
	r.pool = NewPool(cfg.WorkerCount, r.queue, r.handleWorkItem, logger, cfg.PinWorkers)
	return r
}

// WaitReady blocks until the listener and epoll instance are set up (or ctx
// is done), so a caller — typically a test — can discover the bound port
// before connecting.
func (r *Reactor) WaitReady(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Port returns the TCP port the reactor is actually listening on, valid
// once WaitReady returns.
func (r *Reactor) Port() int { return r.actualPort }

func maxFDFromRlimit() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 65536
	}
	if rl.Cur == 0 || rl.Cur > 1<<20 {
		return 65536
	}
	return int(rl.Cur)
}

// Run sets up the listener, the self-pipe, signal forwarding, and the
// worker pool, then blocks serving readiness events until ctx is cancelled
// or SIGTERM is observed on the self-pipe.
func (r *Reactor) Run(ctx context.Context) error {
	fd, err := listenSocket(r.cfg.Addr, r.cfg.Port, r.cfg.Backlog)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	r.listenFd = fd
	defer unix.Close(r.listenFd)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	r.epfd = epfd
	defer unix.Close(r.epfd)

	listenEvents := uint32(unix.EPOLLIN)
	if r.cfg.ListenerTrigger == EdgeTriggered {
		listenEvents |= unix.EPOLLET
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, r.listenFd, &unix.EpollEvent{
		Events: listenEvents,
		Fd:     int32(r.listenFd),
	}); err != nil {
		return fmt.Errorf("epoll_ctl(listener): %w", err)
	}

	pipe, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socketpair: %w", err)
	}
	r.pipeR, r.pipeW = pipe[0], pipe[1]
	defer unix.Close(r.pipeR)
	defer unix.Close(r.pipeW)

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, r.pipeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(r.pipeR),
	}); err != nil {
		return fmt.Errorf("epoll_ctl(selfpipe): %w", err)
	}

	stopSignals := r.forwardSignals()
	defer stopSignals()

	poolCtx, cancelPool := context.WithCancel(ctx)
	defer cancelPool()
	poolDone := make(chan struct{})
	go func() {
		r.pool.Run(poolCtx)
		close(poolDone)
	}()

	r.actualPort = r.cfg.Port
	if sa, saErr := unix.Getsockname(r.listenFd); saErr == nil {
		if v4, ok := sa.(*unix.SockaddrInet4); ok {
			r.actualPort = v4.Port
		}
	}
	close(r.ready)

	r.logger.Info("reactor started", "port", r.actualPort, "max_conns", r.cfg.MaxConns, "workers", r.cfg.WorkerCount)

	err = r.loop(ctx)

	cancelPool()
	<-poolDone
	return err
}

// forwardSignals folds SIGALRM and SIGTERM into the self-pipe, and ignores
// SIGPIPE, the way the original installs sigaction handlers that write a
// single byte into the signal channel.
func (r *Reactor) forwardSignals() func() {
	signal.Ignore(syscall.SIGPIPE)

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGALRM, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		unix.Alarm(uint(r.cfg.Timeslot.Seconds()))
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				var b byte
				switch sig {
				case syscall.SIGALRM:
					b = byte(syscall.SIGALRM)
					unix.Alarm(uint(r.cfg.Timeslot.Seconds()))
				case syscall.SIGTERM:
					b = byte(syscall.SIGTERM)
				default:
					continue
				}
				unix.Write(r.pipeW, []byte{b})
			}
		}
	}()
	return func() { cancel(); signal.Stop(sigCh) }
}

func (r *Reactor) loop(ctx context.Context) error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := unix.EpollWait(r.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			efd := int(ev.Fd)
			switch {
			case efd == r.listenFd:
				r.onListenerReady()
			case efd == r.pipeR:
				r.onSignalReadable()
			default:
				r.onClientEvent(efd, ev.Events)
			}
		}

		if r.tickPending.CompareAndSwap(true, false) {
			r.expiry.Tick(time.Now().Unix(), r.expireConnection)
		}
		r.obs.QueueDepth(r.queue.Len())

		if r.stopping.Load() {
			return nil
		}
	}
}

func (r *Reactor) onSignalReadable() {
	var buf [1024]byte
	for {
		n, err := unix.Read(r.pipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
		for _, b := range buf[:n] {
			switch b {
			case byte(syscall.SIGALRM):
				r.tickPending.Store(true)
			case byte(syscall.SIGTERM):
				r.stopping.Store(true)
			}
		}
	}
}

func (r *Reactor) onListenerReady() {
	for {
		nfd, sa, err := unix.Accept4(r.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN {
				r.logger.Warn("accept failed", "error", err)
			}
			return
		}
		r.acceptOne(nfd, sa)
		if r.cfg.ListenerTrigger == LevelTriggered {
			return
		}
	}
}

func (r *Reactor) acceptOne(nfd int, sa unix.Sockaddr) {
	if int(r.connCount.Load()) >= len(r.conns) || nfd >= len(r.conns) {
		writeBusy(nfd)
		unix.Close(nfd)
		r.obs.ConnectionBusyRejected()
		return
	}

	if !r.limiter.Allow(peerIP(sa)) {
		writeBusy(nfd)
		unix.Close(nfd)
		r.obs.ConnectionRateLimited()
		return
	}

	peer := peerString(sa)
	c := NewConnection(nfd, peer)
	c.Phase = PhaseRead

	connEvents := uint32(unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT)
	if r.cfg.ConnTrigger == EdgeTriggered {
		connEvents |= unix.EPOLLET
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, nfd, &unix.EpollEvent{
		Events: connEvents,
		Fd:     int32(nfd),
	}); err != nil {
		r.logger.Warn("epoll_ctl(client) failed", "fd", nfd, "error", err)
		Release(c)
		unix.Close(nfd)
		return
	}

	node := &TimerNode{Expire: time.Now().Unix() + 3*int64(r.cfg.Timeslot.Seconds()), Conn: c}
	c.Timer = node
	r.expiry.Add(node)

	r.conns[nfd].Store(c)
	r.connCount.Add(1)
	r.obs.ConnectionOpened()
}

func (r *Reactor) onClientEvent(efd int, events uint32) {
	c := r.conns[efd].Load()
	if c == nil {
		return
	}

	if events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.teardown(efd)
		return
	}

	if c.Timer != nil {
		r.expiry.Adjust(c.Timer, time.Now().Unix()+3*int64(r.cfg.Timeslot.Seconds()))
	}

	switch {
	case events&unix.EPOLLIN != 0:
		c.Phase = PhaseRead
	case events&unix.EPOLLOUT != 0:
		c.Phase = PhaseWrite
	default:
		return
	}

	if r.cfg.ActorModel == ProactorModel {
		r.runProactor(c)
		r.rearmOrTeardown(efd, c)
		return
	}

	c.SetImprov(false)
	if err := r.queue.Enqueue(WorkItem{Conn: c, Phase: c.Phase}); err != nil {
		r.logger.Warn("work queue full, dropping readiness event", "fd", efd)
		r.rearm(efd, c.Phase, false)
		return
	}

	for !c.Improv() {
		// spin-wait on the worker's completion signal, per §5's contract;
		// an implementation may swap this for a condition variable.
	}
	r.rearmOrTeardown(efd, c)
}

func (r *Reactor) rearmOrTeardown(efd int, c *Connection) {
	if c.TimerFlag() {
		r.teardown(efd)
		return
	}
	r.rearm(efd, c.Phase, c.KeepAlive && c.Phase == PhaseRead)
}

func (r *Reactor) rearm(efd int, phase WorkPhase, keepAliveReset bool) {
	_ = keepAliveReset
	var events uint32
	if phase == PhaseWrite {
		events = unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLONESHOT
	} else {
		events = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT
	}
	if r.cfg.ConnTrigger == EdgeTriggered {
		events |= unix.EPOLLET
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, efd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(efd),
	}); err != nil {
		r.teardown(efd)
	}
}

// runProactor performs the connection's I/O itself (read or write
// syscall), then hands only the parsed payload / write progress to the
// processor — the proactor alternative described in §4.1/§4.3.
func (r *Reactor) runProactor(c *Connection) {
	switch c.Phase {
	case PhaseRead:
		r.doRead(c)
	case PhaseWrite:
		r.doWrite(c)
	}
}

func (r *Reactor) handleWorkItem(item WorkItem) {
	c := item.Conn
	switch item.Phase {
	case PhaseRead:
		r.doRead(c)
	case PhaseWrite:
		r.doWrite(c)
	}
}

func (r *Reactor) doRead(c *Connection) {
	if c.Full() {
		c.SetTimerFlag(true)
		c.SetImprov(true)
		return
	}

	et := r.cfg.ConnTrigger == EdgeTriggered
	for {
		n, err := unix.Read(c.Fd, c.Tail())
		if n > 0 {
			c.Advance(n)
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			c.SetTimerFlag(true)
			c.SetImprov(true)
			return
		}
		if n == 0 {
			c.SetTimerFlag(true)
			c.SetImprov(true)
			return
		}
		if !et || c.Full() {
			break
		}
	}

	fatal := r.processor.Process(c)
	if fatal {
		c.SetTimerFlag(true)
		c.SetImprov(true)
		return
	}
	if c.HasResponsePlan() {
		c.Phase = PhaseWrite
	} else {
		c.Phase = PhaseRead
	}
	c.SetImprov(true)
}

func (r *Reactor) doWrite(c *Connection) {
	for c.BytesRemaining > 0 {
		bufs := c.NextWritev()
		if len(bufs) == 0 {
			break
		}
		n, err := writev(c.Fd, bufs)
		if err != nil {
			if err == unix.EAGAIN {
				c.Phase = PhaseWrite
				c.SetImprov(true)
				return
			}
			c.SetTimerFlag(true)
			c.SetImprov(true)
			return
		}
		if n == 0 {
			c.SetTimerFlag(true)
			c.SetImprov(true)
			return
		}
		c.AdvanceWrite(n)
	}

	if data := c.Mmap(); data != nil {
		unix.Munmap(data)
		c.SetMmap(nil)
	}

	if c.KeepAlive {
		c.ResetForKeepAlive()
		c.Phase = PhaseRead
	} else {
		c.SetTimerFlag(true)
	}
	c.SetImprov(true)
}

func (r *Reactor) teardown(efd int) {
	c := r.conns[efd].Load()
	if c == nil {
		return
	}
	r.conns[efd].Store(nil)
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, efd, nil)
	unix.Close(efd)
	if c.Timer != nil {
		r.expiry.Del(c.Timer)
	}
	if data := c.Mmap(); data != nil {
		unix.Munmap(data)
	}
	r.connCount.Add(-1)
	r.obs.ConnectionClosed()
	Release(c)
}

// expireConnection is the expiry list's tick callback (C6's head.cb): it
// tears the connection down the same way a hangup would, plus the
// expired-connection counter.
func (r *Reactor) expireConnection(c *Connection) {
	r.obs.ConnectionExpired()
	r.teardown(c.Fd)
}

func writev(fd int, bufs [][]byte) (int, error) {
	return unix.Writev(fd, bufs)
}

func writeBusy(fd int) {
	const msg = "HTTP/1.1 503 Service Unavailable\r\nContent-Length:20\r\nConnection: close\r\n\r\ninternal server busy"
	unix.Write(fd, []byte(msg))
}

func peerString(sa unix.Sockaddr) string {
	if v, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%d.%d.%d.%d:%d", v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3], v.Port)
	}
	return ""
}

// peerIP is peerString without the port, so the rate limiter buckets by
// client host rather than by ephemeral source port.
func peerIP(sa unix.Sockaddr) string {
	if v, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%d.%d.%d.%d", v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3])
	}
	return ""
}

// listenSocket creates a non-blocking, address-reusable IPv4 listening
// socket, generalized from server/engine/epoll.go's listenSocket to the
// golang.org/x/sys/unix idiom.
func listenSocket(addr [4]byte, port, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: addr, Port: port}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if backlog <= 0 {
		backlog = 16
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
