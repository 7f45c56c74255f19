package coordinator

import (
	"bytes"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dmtcp-go/coordinator/internal/aggregator"
	"github.com/dmtcp-go/coordinator/internal/barrier"
	"github.com/dmtcp-go/coordinator/internal/checkpoint"
	"github.com/dmtcp-go/coordinator/internal/registry"
	"github.com/dmtcp-go/coordinator/internal/restart"
	"github.com/dmtcp-go/coordinator/internal/wire"
	"github.com/dmtcp-go/coordinator/pkg/types"
)

func (c *Coordinator) handleHello(conn net.Conn, msg wire.Message, extra []byte) {
	if c.killInProgress {
		sendMessage(conn, wire.NewMessage(wire.MsgKillPeer), nil)
		conn.Close()
		return
	}

	switch msg.Type {
	case wire.MsgNameServiceWorker:
		c.nameServiceConns[conn] = true

	case wire.MsgUserCmd:
		fields := strings.Fields(msg.Inline)
		req := cmdRequest{replyConn: conn}
		if len(fields) > 0 {
			req.cmd = fields[0]
		}
		if len(fields) > 1 {
			req.arg = fields[1]
		} else if msg.CheckpointInterval > 0 {
			req.arg = strconv.Itoa(int(msg.CheckpointInterval))
		}
		c.dispatchCommand(req)

	case wire.MsgNewWorker:
		c.handleNewWorker(conn, msg)

	case wire.MsgRestartWorker:
		c.handleRestartWorker(conn, msg)

	default:
		log.Warn("unrecognized hello message, closing", "type", msg.Type)
		conn.Close()
	}
}

func (c *Coordinator) handleNewWorker(conn net.Conn, msg wire.Message) {
	if msg.State != types.Running && msg.State != types.Unknown {
		log.Warn("new worker hello with invalid state, closing", "state", msg.State)
		conn.Close()
		return
	}
	if msg.VirtualPid != -1 {
		log.Warn("new worker hello with non-sentinel virtualPid, closing", "virtualPid", msg.VirtualPid)
		conn.Close()
		return
	}

	client, err := c.reg.Add(conn)
	if err != nil {
		log.Error("registry add failed", "error", err)
		conn.Close()
		return
	}
	client.UniquePid = msg.From
	client.RealPid = msg.RealPid
	client.State = types.Running

	if c.compID.IsZero() {
		c.compID = types.UniquePid{
			HostID:     msg.From.HostID,
			Pid:        client.VirtualPid,
			Time:       msg.From.Time,
			Generation: msg.From.Generation,
		}
		c.curTimeStamp = uint64(time.Now().UnixNano())
	}
	client.CompGroup = c.compID

	reply := wire.NewMessage(wire.MsgAccept)
	reply.CompGroup = c.compID
	reply.VirtualPid = client.VirtualPid
	reply.CoordTimeStamp = c.curTimeStamp
	copy(reply.IPAddr[:], ipv4Bytes(peerOrLocalAddr(conn)))
	sendMessage(conn, reply, nil)

	if c.workersRunningAndSuspendMsgSent {
		c.sendDoCheckpoint(conn)
	}

	c.staleTracker.Touch(conn)
	c.updateMetrics()
	c.writeStatusFile()
}

func (c *Coordinator) handleRestartWorker(conn net.Conn, msg wire.Message) {
	if !c.compID.IsZero() {
		status := aggregator.Compute(c.reg.Clients())
		if status.MinimumState != types.Restarting && status.NumPeers > 0 {
			sendMessage(conn, wire.NewMessage(wire.MsgRejectNotRestarting), nil)
			conn.Close()
			return
		}
	}

	firstRestartConnection := c.compID.IsZero()

	newGroup, err := c.restartOrch.Accept(msg.CompGroup, int(msg.NumPeers))
	if err != nil {
		switch err {
		case restart.ErrForeignGroup:
			sendMessage(conn, wire.NewMessage(wire.MsgRejectWrongComp), nil)
		default:
			sendMessage(conn, wire.NewMessage(wire.MsgRejectNotRestarting), nil)
		}
		conn.Close()
		return
	}

	if c.compID.IsZero() || c.compID != newGroup {
		if firstRestartConnection {
			c.kv.RecordEvent("Restarting-Computation")
		}
		c.compID = newGroup
		c.curTimeStamp = uint64(time.Now().UnixNano())
		c.numRestartPeers = c.restartOrch.ExpectedPeers()
		c.barrierEng.SetRestartTarget(c.numRestartPeers)
		c.metrics.RecordRestartStarted()
		c.kv.RecordEvent("Restart-Start")
	}

	client, err := c.reg.AddWithPid(conn, msg.From.Pid)
	if err != nil {
		log.Error("registry add with pid failed", "error", err)
		conn.Close()
		return
	}
	client.UniquePid = msg.From
	client.RealPid = msg.RealPid
	client.State = types.Restarting
	client.CompGroup = c.compID
	client.IsRestarting = true

	reply := wire.NewMessage(wire.MsgAccept)
	reply.CompGroup = c.compID
	reply.VirtualPid = client.VirtualPid
	reply.CoordTimeStamp = c.curTimeStamp
	copy(reply.IPAddr[:], ipv4Bytes(peerOrLocalAddr(conn)))
	sendMessage(conn, reply, nil)

	c.staleTracker.Touch(conn)
	c.updateMetrics()
	c.writeStatusFile()
}

func (c *Coordinator) sendDoCheckpoint(conn net.Conn) {
	msg := wire.NewMessage(wire.MsgDoCheckpoint)
	msg.CompGroup = c.compID
	if c.killAfterCkptOnce {
		msg.ExitAfterCkpt = 1
	}
	sendMessage(conn, msg, nil)
}

func (c *Coordinator) handleMessage(conn net.Conn, msg wire.Message, extra []byte) {
	client := c.reg.Get(conn)
	if client == nil {
		if c.nameServiceConns[conn] {
			c.handleKVDBRequest(conn, msg, extra)
		}
		return
	}
	c.staleTracker.Touch(conn)

	prevState := client.State
	client.State = msg.State

	switch msg.Type {
	case wire.MsgBarrier:
		c.handleBarrier(client, msg.Inline)

	case wire.MsgCkptFilename, wire.MsgUniqueCkptFilename:
		c.handleCkptFilename(client, extra)

	case wire.MsgWorkerResuming:
		c.handleWorkerResuming(client, prevState)

	case wire.MsgUpdateProcessInfoAfterFork, wire.MsgUpdateProcessInfoAfterInitOrExec:
		c.handleProcessInfoUpdate(client, msg)

	case wire.MsgGetCkptDir:
		reply := wire.NewMessage(wire.MsgGetCkptDirResult)
		reply.Inline = c.cfg.CheckpointDir
		sendMessage(conn, reply, nil)

	case wire.MsgUpdateCkptDir:
		if msg.Inline != "" {
			c.cfg.CheckpointDir = msg.Inline
		}

	case wire.MsgKVDBRequest:
		c.handleKVDBRequest(conn, msg, extra)

	default:
		log.Warn("unexpected message from worker, disconnecting", "type", msg.Type)
		c.dropClient(client)
	}
}

func (c *Coordinator) handleBarrier(client *registry.Client, name string) {
	released, err := c.barrierEng.Arrive(client, name)
	if err != nil {
		if mismatch, ok := err.(*barrier.ErrNameMismatch); ok {
			log.Warn("barrier name mismatch, disconnecting client", "got", mismatch.Got, "want", mismatch.Want)
		} else {
			log.Warn("barrier error, disconnecting client", "error", err)
		}
		c.dropClient(client)
		return
	}
	if !released {
		return
	}

	name = c.barrierEng.Name()
	c.kv.RecordEvent("Barrier-" + name)
	c.barrierEng.Reset()

	reply := wire.NewMessage(wire.MsgBarrierReleased)
	reply.Inline = name
	c.broadcast(reply, nil)
	c.metrics.RecordBarrierReleased()

	status := aggregator.Compute(c.reg.Clients())
	if status.MinimumState == types.Checkpointed {
		log.Info("checkpoint complete, all workers running")
	}
	c.checkRestartCompletion(status)
	c.writeStatusFile()
}

func (c *Coordinator) handleCkptFilename(client *registry.Client, extra []byte) {
	parts := splitNulTerminated(extra, 3)
	if len(parts) < 1 {
		return
	}
	filename := parts[0]
	var shellType, hostname string
	if len(parts) > 1 {
		shellType = parts[1]
	}
	if len(parts) > 2 {
		hostname = parts[2]
	}
	if hostname == "" {
		hostname = client.UniquePid.String()
	}

	c.ckpt.RecordFilename(hostname, checkpoint.ShellType(shellType), filename)

	if c.ckpt.NumFilenames() >= c.numCkptWorkers {
		c.finishCheckpoint()
	}
}

func splitNulTerminated(data []byte, n int) []string {
	var out []string
	rest := data
	for i := 0; i < n && len(rest) > 0; i++ {
		idx := bytes.IndexByte(rest, 0)
		if idx < 0 {
			out = append(out, string(rest))
			break
		}
		out = append(out, string(rest[:idx]))
		rest = rest[idx+1:]
	}
	return out
}

func (c *Coordinator) finishCheckpoint() {
	scriptPath := filepath.Join(c.cfg.CheckpointDir, restartScriptName(c.compID, c.curTimeStamp))
	data := checkpoint.NewRestartScriptData(c.compID.Generation, c.cfg.Host, c.boundPort,
		c.ckpt.RestartFilenames(), c.ckpt.RshCmdFileNames(), c.ckpt.SshCmdFileNames())
	if err := checkpoint.WriteRestartScript(scriptPath, data); err != nil {
		log.Error("failed to write restart script", "error", err)
	}

	c.kv.RecordEvent("Ckpt-Complete")

	if c.cfg.WriteKVData {
		path := filepath.Join(c.cfg.CheckpointDir, kvSnapshotName(c.compID, c.curTimeStamp))
		if err := c.kv.WriteSnapshot(path); err != nil {
			log.Error("failed to write kv snapshot", "error", err)
		}
	}

	c.ckpt.Finish()
	c.workersRunningAndSuspendMsgSent = false
	c.metrics.RecordCheckpointCompleted(0)

	for _, conn := range c.blockingCkptConns {
		reply := wire.NewMessage(wire.MsgUserCmdResult)
		reply.CoordCmdStatus = wire.StatusOK
		sendMessage(conn, reply, nil)
		conn.Close()
	}
	c.blockingCkptConns = nil

	if c.killAfterCkptOnce {
		c.killAfterCkptOnce = false
		c.broadcastKill()
	}
}

func restartScriptName(group types.UniquePid, ts uint64) string {
	return fmt.Sprintf("dmtcp_restart_script_%s_%d.sh", group, ts)
}

func kvSnapshotName(group types.UniquePid, ts uint64) string {
	return fmt.Sprintf("dmtcp_coordinator_db-%s-%d.json", group, ts)
}

func (c *Coordinator) handleWorkerResuming(client *registry.Client, prevState types.WorkerState) {
	client.State = types.Running
	status := aggregator.Compute(c.reg.Clients())
	if status.MinimumStateUnanimous && status.MinimumState == types.Running {
		if prevState == types.Restarting {
			c.finishRestart()
		} else {
			log.Info("checkpoint complete, all workers resumed")
		}
	}
	c.checkRestartCompletion(status)
}

func (c *Coordinator) finishRestart() {
	c.kv.RecordEvent("Restart-Complete")
	if c.cfg.WriteKVData {
		path := filepath.Join(c.cfg.CheckpointDir, kvSnapshotName(c.compID, c.curTimeStamp))
		if err := c.kv.WriteSnapshot(path); err != nil {
			log.Warn("failed to write kv snapshot on restart completion", "error", err)
		}
	}
}

func (c *Coordinator) checkRestartCompletion(status types.ComputationStatus) {
	if c.restartOrch.Active() && status.MinimumStateUnanimous && status.MinimumState == types.Running {
		c.restartOrch.Finish()
		c.numRestartPeers = -1
		c.barrierEng.ClearRestartTarget()
		c.metrics.RecordRestartCompleted(0)
		log.Info("restart complete")
	}
}

func (c *Coordinator) handleProcessInfoUpdate(client *registry.Client, msg wire.Message) {
	client.UniquePid = msg.From
	client.RealPid = msg.RealPid
	if c.workersRunningAndSuspendMsgSent {
		// A process born mid-checkpoint (fork/exec) must be folded into
		// the in-flight round rather than left stranded on RUNNING.
		c.sendDoCheckpoint(client.Conn)
	}
}

func (c *Coordinator) dropClient(client *registry.Client) {
	client.Conn.Close()
	c.metrics.RecordConnectionDropped()
	c.onDisconnect(client.Conn)
}

func (c *Coordinator) onDisconnect(conn net.Conn) {
	delete(c.nameServiceConns, conn)
	c.staleTracker.Remove(conn)

	client := c.reg.Get(conn)
	if client == nil {
		return
	}
	c.reg.Remove(conn)
	conn.Close()

	if c.workersRunningAndSuspendMsgSent {
		log.Warn("client disconnected mid-checkpoint, aborting round", "identity", client.UniquePid)
		c.ckpt.Abort()
		c.workersRunningAndSuspendMsgSent = false
		for _, bc := range c.blockingCkptConns {
			reply := wire.NewMessage(wire.MsgUserCmdResult)
			reply.CoordCmdStatus = wire.StatusErrNotRunningState
			sendMessage(bc, reply, []byte("checkpoint aborted: peer disconnected\n"))
			bc.Close()
		}
		c.blockingCkptConns = nil
	}

	if c.barrierEng.Open() && c.barrierEng.Released() {
		name := c.barrierEng.Name()
		c.barrierEng.Reset()
		reply := wire.NewMessage(wire.MsgBarrierReleased)
		reply.Inline = name
		c.broadcast(reply, nil)
		c.metrics.RecordBarrierReleased()
		c.checkRestartCompletion(aggregator.Compute(c.reg.Clients()))
	}

	if c.reg.Count() == 0 {
		c.staleTracker.Touch(staleRegistryKey)
		if c.cfg.ExitOnLast {
			c.Quit("last client disconnected")
			return
		}
		c.compID = types.UniquePid{}
		c.ckpt = checkpoint.New()
		c.restartOrch = restart.New()
		c.numRestartPeers = -1
		c.workersRunningAndSuspendMsgSent = false
		c.killInProgress = false
		c.killAfterCkptOnce = false
	}

	c.updateMetrics()
	c.writeStatusFile()
}

// kvdb wire ops, carried in a DMT_KVDB_REQUEST's CoordCmd byte. Inline
// carries the namespace id; extra carries the NUL-terminated key,
// followed by the raw value bytes for ops that take one.
const (
	kvOpGet    byte = 'g'
	kvOpGet64  byte = 'G'
	kvOpSet    byte = 's'
	kvOpSet64  byte = 'S'
	kvOpIncr64 byte = 'i'
	kvOpDelete byte = 'd'
	kvOpList   byte = 'l'
)

func (c *Coordinator) handleKVDBRequest(conn net.Conn, msg wire.Message, extra []byte) {
	namespace := msg.Inline
	idx := bytes.IndexByte(extra, 0)
	var key string
	var value []byte
	if idx >= 0 {
		key = string(extra[:idx])
		value = extra[idx+1:]
	} else {
		key = string(extra)
	}

	reply := wire.NewMessage(wire.MsgKVDBResponse)
	reply.Inline = namespace
	reply.CoordCmd = msg.CoordCmd
	reply.CoordCmdStatus = wire.StatusOK

	var respExtra []byte
	switch msg.CoordCmd {
	case kvOpGet:
		v, ok := c.kv.Get(namespace, key)
		if !ok {
			reply.CoordCmdStatus = wire.StatusErrInvalidCommand
			break
		}
		respExtra = append([]byte(key+"\x00"), v...)
		reply.ValLen = uint32(len(v))

	case kvOpGet64:
		v, ok := c.kv.Get64(namespace, key)
		if !ok {
			reply.CoordCmdStatus = wire.StatusErrInvalidCommand
			break
		}
		buf := make([]byte, 8)
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		respExtra = append([]byte(key+"\x00"), buf...)
		reply.ValLen = 8

	case kvOpSet:
		c.kv.Set(namespace, key, value)

	case kvOpSet64:
		if len(value) == 8 {
			var v uint64
			for i := 0; i < 8; i++ {
				v |= uint64(value[i]) << (8 * i)
			}
			c.kv.Set64(namespace, key, v)
		} else {
			reply.CoordCmdStatus = wire.StatusErrInvalidCommand
		}

	case kvOpIncr64:
		var delta uint64
		if len(value) == 8 {
			for i := 0; i < 8; i++ {
				delta |= uint64(value[i]) << (8 * i)
			}
		} else {
			delta = 1
		}
		next := c.kv.Incr64(namespace, key, delta)
		buf := make([]byte, 8)
		for i := 0; i < 8; i++ {
			buf[i] = byte(next >> (8 * i))
		}
		respExtra = append([]byte(key+"\x00"), buf...)
		reply.ValLen = 8

	case kvOpDelete:
		c.kv.Delete(namespace, key)

	case kvOpList:
		keys := c.kv.List(namespace)
		respExtra = []byte(strings.Join(keys, "\x00"))
		reply.NumPeers = uint32(len(keys))

	default:
		reply.CoordCmdStatus = wire.StatusErrInvalidCommand
	}

	sendMessage(conn, reply, respExtra)
}

func ipv4Bytes(ip net.IP) []byte {
	v4 := ip.To4()
	if v4 == nil {
		return []byte{127, 0, 0, 1}
	}
	return v4
}

func peerOrLocalAddr(conn net.Conn) net.IP {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return net.ParseIP("127.0.0.1")
	}
	if tcpAddr.IP.IsLoopback() {
		return net.ParseIP(localIPv4())
	}
	return tcpAddr.IP
}
