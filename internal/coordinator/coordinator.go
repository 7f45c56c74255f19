// Package coordinator wires the registry, barrier engine, checkpoint
// and restart orchestrators, and kv store into the single long-lived
// server process: it accepts worker connections, drives the
// checkpoint/restart state machine, and answers operator commands.
package coordinator

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dmtcp-go/coordinator/internal/aggregator"
	"github.com/dmtcp-go/coordinator/internal/barrier"
	"github.com/dmtcp-go/coordinator/internal/checkpoint"
	"github.com/dmtcp-go/coordinator/internal/config"
	"github.com/dmtcp-go/coordinator/internal/kvdb"
	"github.com/dmtcp-go/coordinator/internal/metrics"
	"github.com/dmtcp-go/coordinator/internal/registry"
	"github.com/dmtcp-go/coordinator/internal/restart"
	"github.com/dmtcp-go/coordinator/internal/statusfile"
	"github.com/dmtcp-go/coordinator/internal/timers"
	"github.com/dmtcp-go/coordinator/internal/wire"
	"github.com/dmtcp-go/coordinator/pkg/types"
)

var log = slog.Default()

const helpText = `Commands:
  c   start a checkpoint
  bc  start a checkpoint, reply only once it completes
  kc/ck/K  start a checkpoint, kill all peers once it completes
  k   kill all peers now
  q   kill all peers, quit the coordinator
  l/t list connected workers
  u   list connected workers grouped by host
  s   print computation status
  i N set checkpoint interval to N seconds
  h/? this text
`

type inboundMsg struct {
	conn  net.Conn
	msg   wire.Message
	extra []byte
}

type cmdRequest struct {
	cmd       string
	arg       string
	replyConn net.Conn
}

// Coordinator owns every piece of mutable state the event loop acts
// on. All fields below are touched only from the goroutine running
// Run's select loop; per-connection goroutines only ever send on
// channels, never mutate Coordinator state directly.
type Coordinator struct {
	cfg config.Config

	listener net.Listener
	boundPort int

	reg         *registry.Registry
	barrierEng  *barrier.Engine
	ckpt        *checkpoint.Orchestrator
	restartOrch *restart.Orchestrator
	kv          *kvdb.Store
	metrics     *metrics.Collector

	compID                          types.UniquePid
	curTimeStamp                    uint64
	numRestartPeers                 int
	workersRunningAndSuspendMsgSent bool
	killInProgress                  bool
	killAfterCkptOnce               bool
	numCkptWorkers                  int

	blockingCkptConns []net.Conn
	nameServiceConns  map[net.Conn]bool

	statusWriter *statusfile.Writer

	interval     *timers.IntervalTimer
	hardTimeout  *timers.CommandTimeout
	staleTracker *timers.StaleTracker

	helloCh      chan inboundMsg
	msgCh        chan inboundMsg
	disconnectCh chan net.Conn
	cmdCh        chan cmdRequest
	stopCh       chan struct{}
}

// New builds a Coordinator from cfg. It does not yet bind the
// listener; call Run to start serving.
func New(cfg config.Config) *Coordinator {
	reg := registry.New()
	return &Coordinator{
		cfg:              cfg,
		reg:              reg,
		barrierEng:       barrier.New(reg),
		ckpt:             checkpoint.New(),
		restartOrch:      restart.New(),
		kv:                kvdb.New(),
		metrics:           metrics.NewCollector(),
		killAfterCkptOnce: cfg.KillAfterCkpt,
		numRestartPeers:   -1,
		nameServiceConns: make(map[net.Conn]bool),
		interval:         timers.NewInterval(cfg.Interval),
		hardTimeout:      timers.NewCommandTimeout(),
		staleTracker:     timers.NewStaleTracker(cfg.StaleTimeout),
		helloCh:          make(chan inboundMsg, 16),
		msgCh:            make(chan inboundMsg, 256),
		disconnectCh:     make(chan net.Conn, 16),
		cmdCh:            make(chan cmdRequest, 16),
		stopCh:           make(chan struct{}),
	}
}

// Run binds the listener, starts the accept/stdin goroutines, and
// runs the event loop until Stop is called or a fatal error occurs.
func (c *Coordinator) Run() error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("coordinator: listen on %s: %w", addr, err)
	}
	c.listener = ln
	c.boundPort = ln.Addr().(*net.TCPAddr).Port

	if c.cfg.PortFile != "" {
		if err := os.WriteFile(c.cfg.PortFile, []byte(strconv.Itoa(c.boundPort)), 0o644); err != nil {
			log.Warn("failed to write port file", "path", c.cfg.PortFile, "error", err)
		}
	}

	if c.cfg.StatusFile != "" {
		w, err := statusfile.Open(c.cfg.StatusFile, c.cfg.Host, c.boundPort, os.Getpid())
		if err != nil {
			log.Warn("failed to open status file", "error", err)
		} else {
			c.statusWriter = w
		}
	}

	if c.hardTimeout != nil && c.cfg.Timeout > 0 {
		c.hardTimeout.Arm(c.cfg.Timeout)
	}

	log.Info("coordinator listening", "host", c.cfg.Host, "port", c.boundPort)
	c.staleTracker.Touch(staleRegistryKey)

	go c.acceptLoop()
	if !c.cfg.Daemon {
		go c.stdinLoop()
	}

	return c.eventLoop()
}

// Stop closes the event loop. Safe to call once.
func (c *Coordinator) Stop() {
	close(c.stopCh)
}

func (c *Coordinator) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
				log.Error("accept failed", "error", err)
				return
			}
		}
		go c.connectionLoop(conn)
	}
}

func (c *Coordinator) connectionLoop(conn net.Conn) {
	msg, extra, err := readMessage(conn)
	if err != nil {
		conn.Close()
		return
	}
	c.helloCh <- inboundMsg{conn: conn, msg: msg, extra: extra}

	for {
		msg, extra, err := readMessage(conn)
		if err != nil {
			c.disconnectCh <- conn
			return
		}
		c.msgCh <- inboundMsg{conn: conn, msg: msg, extra: extra}
	}
}

func (c *Coordinator) stdinLoop() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		req := cmdRequest{cmd: fields[0]}
		if len(fields) > 1 {
			req.arg = fields[1]
		}
		c.cmdCh <- req
	}
}

func (c *Coordinator) eventLoop() error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-c.stopCh:
			return nil

		case im := <-c.helloCh:
			c.handleHello(im.conn, im.msg, im.extra)

		case im := <-c.msgCh:
			c.handleMessage(im.conn, im.msg, im.extra)

		case conn := <-c.disconnectCh:
			c.onDisconnect(conn)

		case req := <-c.cmdCh:
			c.dispatchCommand(req)

		case <-c.interval.C():
			c.onIntervalTick()

		case <-c.hardTimeout.C():
			log.Warn("hard timeout reached, exiting")
			c.Quit("timeout")
			return nil

		case <-tick.C:
			c.onTick()
		}
	}
}

const staleRegistryKey = "registry-empty-since"

func (c *Coordinator) onTick() {
	if c.cfg.StaleTimeout > 0 && c.reg.Count() == 0 {
		if stale := c.staleTracker.Stale(time.Now()); len(stale) > 0 {
			log.Warn("no peers connected within the stale timeout, exiting")
			c.Quit("stale timeout")
			return
		}
	}
}

func (c *Coordinator) onIntervalTick() {
	status := aggregator.Compute(c.reg.Clients())
	if status.Running() {
		c.startCheckpoint(false, nil)
	}
}

// dispatchCommand implements the coordinator's operator command table,
// reachable both from stdin (req.replyConn == nil) and from a
// dmtcp_command-style socket (req.replyConn set).
func (c *Coordinator) dispatchCommand(req cmdRequest) {
	switch req.cmd {
	case "c":
		if err := c.startCheckpoint(false, nil); err != nil {
			c.replyText(req.replyConn, wire.StatusErrNotRunningState, err.Error()+"\n")
			return
		}
		c.replyText(req.replyConn, wire.StatusOK, "checkpoint started\n")

	case "bc":
		if err := c.startCheckpoint(false, req.replyConn); err != nil {
			c.replyText(req.replyConn, wire.StatusErrNotRunningState, err.Error()+"\n")
		}
		// On success the reply is deferred until the checkpoint round
		// completes; finishCheckpoint drains blockingCkptConns then.

	case "kc", "ck", "K":
		if err := c.startCheckpoint(true, nil); err != nil {
			c.replyText(req.replyConn, wire.StatusErrNotRunningState, err.Error()+"\n")
			return
		}
		c.replyText(req.replyConn, wire.StatusOK, "checkpoint started, will kill peers once complete\n")

	case "k":
		c.broadcastKill()
		c.replyText(req.replyConn, wire.StatusOK, "killed all peers\n")

	case "q":
		c.broadcastKill()
		c.replyText(req.replyConn, wire.StatusOK, "quitting\n")
		c.Quit("operator quit command")

	case "l", "t":
		c.replyText(req.replyConn, wire.StatusOK, c.describeClients())

	case "u":
		c.replyText(req.replyConn, wire.StatusOK, c.describeClientsByHost())

	case "s":
		c.replyText(req.replyConn, wire.StatusOK, c.describeStatus())

	case "i":
		n, err := strconv.Atoi(req.arg)
		if err != nil {
			c.replyText(req.replyConn, wire.StatusErrInvalidCommand, "usage: i <seconds>\n")
			return
		}
		c.cfg.Interval = time.Duration(n) * time.Second
		c.interval.Reset(c.cfg.Interval)
		c.replyText(req.replyConn, wire.StatusOK, fmt.Sprintf("checkpoint interval set to %ds\n", n))

	case "h", "?":
		c.replyText(req.replyConn, wire.StatusOK, helpText)

	default:
		c.replyText(req.replyConn, wire.StatusErrInvalidCommand, fmt.Sprintf("unknown command %q\n", req.cmd))
	}
}

// replyText sends text back over conn as a DMT_USER_CMD_RESULT's extra
// payload, or logs it when the command came from stdin (conn == nil).
func (c *Coordinator) replyText(conn net.Conn, status wire.CmdStatus, text string) {
	if conn == nil {
		log.Info("command result", "text", strings.TrimRight(text, "\n"))
		return
	}
	reply := wire.NewMessage(wire.MsgUserCmdResult)
	reply.CoordCmdStatus = status
	if err := sendMessage(conn, reply, []byte(text)); err != nil {
		log.Warn("failed to send command reply", "error", err)
	}
}

// startCheckpoint begins a checkpoint round if one is not already in
// progress and every connected worker reports RUNNING. blockingConn, if
// non-nil, is only replied to once the round finishes rather than now.
func (c *Coordinator) startCheckpoint(killAfter bool, blockingConn net.Conn) error {
	status := aggregator.Compute(c.reg.Clients())
	if status.NumPeers == 0 {
		return fmt.Errorf("no workers connected")
	}
	if !status.Running() {
		return fmt.Errorf("not every worker is running")
	}
	if err := c.ckpt.Start(); err != nil {
		return err
	}
	c.kv.RecordEvent("Ckpt-Start")

	c.compID.Generation++
	c.numCkptWorkers = status.NumPeers
	c.numRestartPeers = -1
	c.workersRunningAndSuspendMsgSent = true
	// killAfter from the command OR's in rather than overwrites, so a
	// --kill-after-ckpt set at startup survives into the first round
	// even when that round was started by a plain "c", not "kc"/"ck"/"K".
	c.killAfterCkptOnce = c.killAfterCkptOnce || killAfter
	if blockingConn != nil {
		c.blockingCkptConns = append(c.blockingCkptConns, blockingConn)
	}

	for _, client := range c.reg.Clients() {
		c.sendDoCheckpoint(client.Conn)
	}
	c.metrics.RecordCheckpointStarted()
	c.writeStatusFile()
	return nil
}

// broadcastKill sends DMT_KILL_PEER to every connected worker and marks
// the coordinator as rejecting new connections until they have all
// disconnected, matching killInProgress's role in spec.md §4.6.
func (c *Coordinator) broadcastKill() {
	c.killInProgress = true
	c.broadcast(wire.NewMessage(wire.MsgKillPeer), nil)
	c.metrics.RecordKillIssued()
}

// Quit tears the coordinator down: it kills any remaining peers,
// flushes the status file and kv snapshot if configured, and stops the
// event loop. It is the full "q" command semantics, also reachable
// from the CLI's SIGINT handler.
func (c *Coordinator) Quit(reason string) {
	log.Info("coordinator shutting down", "reason", reason)
	if c.reg.Count() > 0 {
		c.broadcast(wire.NewMessage(wire.MsgKillPeer), nil)
	}
	if c.cfg.WriteKVData {
		path := filepath.Join(c.cfg.CheckpointDir, kvSnapshotName(c.compID, c.curTimeStamp))
		if err := c.kv.WriteSnapshot(path); err != nil {
			log.Warn("failed to write kv snapshot on quit", "error", err)
		}
	}
	if c.statusWriter != nil {
		_ = c.statusWriter.WriteTermination(reason)
	}
	if c.listener != nil {
		c.listener.Close()
	}
	c.Stop()
}

// RecordTermination appends a termination line to the status file, if
// one is open, without touching peers or the kv store. This is the
// minimal cleanup a fatal signal (SIGTERM/SIGABRT/SIGQUIT/SIGSEGV)
// performs before re-raising itself with its default disposition; the
// full peer-kill/snapshot/shutdown sequence belongs to Quit instead.
func (c *Coordinator) RecordTermination(reason string) {
	if c.statusWriter != nil {
		_ = c.statusWriter.WriteTermination(reason)
	}
}

func (c *Coordinator) describeClients() string {
	var b strings.Builder
	for _, client := range c.reg.Clients() {
		fmt.Fprintf(&b, "%s\tvpid=%d\trpid=%d\tstate=%s\n", client.UniquePid, client.VirtualPid, client.RealPid, client.State)
	}
	if b.Len() == 0 {
		return "no workers connected\n"
	}
	return b.String()
}

func (c *Coordinator) describeClientsByHost() string {
	byHost := make(map[uint64][]*registry.Client)
	for _, client := range c.reg.Clients() {
		byHost[client.UniquePid.HostID] = append(byHost[client.UniquePid.HostID], client)
	}
	var b strings.Builder
	for host, clients := range byHost {
		fmt.Fprintf(&b, "host %d: %d worker(s)\n", host, len(clients))
		for _, client := range clients {
			fmt.Fprintf(&b, "  vpid=%d state=%s\n", client.VirtualPid, client.State)
		}
	}
	if b.Len() == 0 {
		return "no workers connected\n"
	}
	return b.String()
}

func (c *Coordinator) describeStatus() string {
	status := aggregator.Compute(c.reg.Clients())
	return fmt.Sprintf(
		"NUM_PEERS=%d\nRUNNING=%v\nCKPT_INTERVAL=%d\nEXIT_ON_LAST=%v\n",
		status.NumPeers, status.Running(), int(c.cfg.Interval.Seconds()), c.cfg.ExitOnLast,
	)
}

func readMessage(conn net.Conn) (wire.Message, []byte, error) {
	header := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return wire.Message{}, nil, err
	}
	var msg wire.Message
	if err := msg.Unmarshal(header); err != nil {
		return wire.Message{}, nil, err
	}
	var extra []byte
	if msg.ExtraBytes > 0 {
		extra = make([]byte, msg.ExtraBytes)
		if _, err := io.ReadFull(conn, extra); err != nil {
			return wire.Message{}, nil, err
		}
	}
	return msg, extra, nil
}

func sendMessage(conn net.Conn, msg wire.Message, extra []byte) error {
	msg.ExtraBytes = uint32(len(extra))
	header, err := msg.Marshal()
	if err != nil {
		return err
	}
	if _, err := conn.Write(header); err != nil {
		return err
	}
	if len(extra) > 0 {
		if _, err := conn.Write(extra); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) broadcast(msg wire.Message, extra []byte) {
	for _, client := range c.reg.Clients() {
		if err := sendMessage(client.Conn, msg, extra); err != nil {
			log.Warn("broadcast write failed", "error", err)
		}
	}
}

func (c *Coordinator) writeStatusFile() {
	if c.statusWriter == nil {
		return
	}
	status := aggregator.Compute(c.reg.Clients())
	if err := c.statusWriter.WriteStatus(status, c.cfg, c.compID); err != nil {
		log.Warn("failed to update status file", "error", err)
	}
}

func (c *Coordinator) updateMetrics() {
	c.metrics.UpdatePeerStats(c.reg.Count(), c.reg.Count())
}

func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "127.0.0.1"
}
