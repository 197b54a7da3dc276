package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"tcp-txoffload/pkg/engcfg"
	"tcp-txoffload/pkg/frame"
	"tcp-txoffload/pkg/repl"
	"tcp-txoffload/pkg/txengine"
	"tcp-txoffload/pkg/util"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

// daemon glues the transmit engine to a UDP "link layer": the REPL is
// the producer and control plane, the drain loop is the link-layer
// consumer pulling staged units and formatting them into TCP/IPv4
// packets.
type daemon struct {
	engine    *txengine.Engine
	cfg       *engcfg.DaemonConfig
	conn      *net.UDPConn
	remote    *net.UDPAddr
	endpoints map[int]engcfg.EndpointConfig

	mu      sync.Mutex // serializes tick+drain between REPL and ticker
	stopC   chan struct{}
	running bool
}

func main() {
	configFile := flag.String("config", "", "specify the config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()
	if *configFile == "" {
		fmt.Println("usage: txd --config <file> [--debug]")
		return
	}
	if *debug {
		txengine.SetLogger(slog.New(slog.NewTextHandler(os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := engcfg.ParseConfig(*configFile)
	if err != nil {
		fmt.Println(err)
		return
	}

	engine, err := txengine.New(txengine.Config{
		NumStreams:    cfg.Streams,
		Capacity:      cfg.Capacity,
		MSS:           cfg.MSS,
		IdleTimeout:   cfg.IdleTimeout,
		SettleTicks:   cfg.Settle,
		ChecksumChunk: cfg.Chunk,
		UnitBytes:     cfg.Unit,
		LowWater:      cfg.LowWater,
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	conn, err := util.BindLocalUDP(cfg.Listen)
	if err != nil {
		fmt.Println(errors.Wrap(err, "binding link socket"))
		return
	}
	var remote *net.UDPAddr
	if cfg.Peer.IsValid() {
		remote, err = util.RemoteUDP(cfg.Peer)
		if err != nil {
			fmt.Println(errors.Wrap(err, "resolving link peer"))
			return
		}
	}

	d := &daemon{
		engine:    engine,
		cfg:       cfg,
		conn:      conn,
		remote:    remote,
		endpoints: make(map[int]engcfg.EndpointConfig),
	}
	for _, ep := range cfg.Endpoints {
		d.endpoints[ep.Stream] = ep
	}

	go d.recvLoop()

	r := repl.NewRepl()
	d.addCommands(r)
	if err := r.Run("txd> "); err != nil {
		fmt.Println(err)
	}
	d.stopTicker()
}

// step advances the engine one tick and drains any completed frames
// onto the link.
func (d *daemon) step() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engine.Tick()
	d.drainFrames()
}

// drainFrames plays the link-layer consumer: pull units of the offered
// frame, reassemble the payload from the validity masks, and emit the
// formatted packet.
func (d *daemon) drainFrames() {
	for {
		desc, ok := d.engine.StageInfo()
		if !ok {
			return
		}
		payload := make([]byte, 0, desc.Size)
		for {
			data, valid, eof := d.engine.PullUnit()
			if data == nil {
				return
			}
			for i := 0; i < d.cfg.Unit; i++ {
				if valid&(1<<uint(i)) != 0 {
					payload = append(payload, data[i])
				}
			}
			if eof {
				break
			}
		}
		if err := d.emit(desc, payload); err != nil {
			fmt.Println(errors.Wrap(err, "emitting frame"))
		}
	}
}

// emit formats one committed frame: TCP header with the engine's
// partial payload checksum folded in, then IPv4 encapsulation.
func (d *daemon) emit(desc txengine.CommittedFrame, payload []byte) error {
	ep, ok := d.endpoints[desc.Stream]
	if !ok {
		return errors.Errorf("no endpoint configured for stream %d", desc.Stream)
	}
	p := frame.NewTCPPacket(ep.Local.Port(), ep.Remote.Port(),
		desc.Seq, 0, header.TCPFlagAck|header.TCPFlagPsh, payload, 65535)
	p.TcpHeader.Checksum = frame.ChecksumWithPartial(p.TcpHeader,
		ep.Local.Addr(), ep.Remote.Addr(), len(payload), desc.PayloadSum)

	ipPacket := frame.WrapIPv4(ep.Local.Addr(), ep.Remote.Addr(), p.Marshal())
	headerBytes, err := ipPacket.Header.Marshal()
	if err != nil {
		return err
	}
	ipPacket.Header.Checksum = int(frame.ComputeIPChecksum(headerBytes))
	b, err := ipPacket.Marshal()
	if err != nil {
		return err
	}
	if d.remote == nil {
		return errors.New("no link peer configured")
	}
	_, err = d.conn.WriteToUDP(b, d.remote)
	return err
}

// recvLoop validates packets arriving on the link socket. With peer
// pointed back at listen this is an end-to-end loopback check of the
// combined checksum path.
func (d *daemon) recvLoop() {
	buf := make([]byte, 65535)
	for {
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		ipPacket := new(frame.IPPacket)
		if err := ipPacket.Unmarshal(buf[:n]); err != nil {
			fmt.Printf("link rx: %v\n", err)
			continue
		}
		tcpPacket := new(frame.TCPPacket)
		tcpPacket.Unmarshal(ipPacket.Payload)
		ok := frame.ValidTCPChecksum(tcpPacket, ipPacket.Header.Src, ipPacket.Header.Dst)
		fmt.Printf("link rx: %s len=%d checksum_ok=%v\n",
			frame.TCPFieldsToString(tcpPacket.TcpHeader), len(tcpPacket.Payload), ok)
	}
}

func (d *daemon) startTicker(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.stopC = make(chan struct{})
	d.running = true
	go func(stop chan struct{}) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				d.step()
			case <-stop:
				return
			}
		}
	}(d.stopC)
}

func (d *daemon) stopTicker() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		close(d.stopC)
		d.running = false
	}
}

/***************************** commands ******************************/

func (d *daemon) addCommands(r *repl.REPL) {
	r.AddCommand("connect", d.cmdConnect, "connect <stream> <iss> - open a stream at an initial sequence number")
	r.AddCommand("close", d.cmdClose, "close <stream> - disconnect a stream")
	r.AddCommand("push", d.cmdPush, "push <stream> <text> - buffer bytes for transmission")
	r.AddCommand("pushhex", d.cmdPushHex, "pushhex <stream> <hex> - buffer raw bytes")
	r.AddCommand("flush", d.cmdFlush, "flush <stream> - frame buffered bytes immediately")
	r.AddCommand("window", d.cmdWindow, "window <stream> <bytes> - set the advertised receive window")
	r.AddCommand("ack", d.cmdAck, "ack <stream> <num> - install a cumulative acknowledgment")
	r.AddCommand("rewind", d.cmdRewind, "rewind <stream> <base> - force-set the send pointer")
	r.AddCommand("mss", d.cmdMSS, "mss <stream> <bytes> - set the maximum segment size")
	r.AddCommand("status", d.cmdStatus, "status - show per-stream engine state")
	r.AddCommand("tick", d.cmdTick, "tick [n] - advance the engine n ticks (default 1)")
	r.AddCommand("run", d.cmdRun, "run [ms] - tick continuously every ms milliseconds (default 1)")
	r.AddCommand("stop", d.cmdStop, "stop - stop the tick loop")
	r.AddCommand("pause", d.cmdPause, "pause - raise consumer back-pressure")
	r.AddCommand("resume", d.cmdResume, "resume - clear consumer back-pressure")
}

func parseArgs(input string, want int) ([]string, error) {
	args := strings.Fields(input)[1:]
	if len(args) < want {
		return nil, errors.Errorf("expected %d argument(s)", want)
	}
	return args, nil
}

func (d *daemon) streamArg(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 || id >= d.engine.NumStreams() {
		return 0, errors.Errorf("invalid stream id %q", s)
	}
	return id, nil
}

func (d *daemon) cmdConnect(input string, _ *repl.REPLConfig) error {
	args, err := parseArgs(input, 2)
	if err != nil {
		return err
	}
	id, err := d.streamArg(args[0])
	if err != nil {
		return err
	}
	iss, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return err
	}
	d.engine.Connect(id, uint32(iss))
	return nil
}

func (d *daemon) cmdClose(input string, _ *repl.REPLConfig) error {
	args, err := parseArgs(input, 1)
	if err != nil {
		return err
	}
	id, err := d.streamArg(args[0])
	if err != nil {
		return err
	}
	d.engine.Disconnect(id)
	return nil
}

func (d *daemon) cmdPush(input string, w *repl.REPLConfig) error {
	args, err := parseArgs(input, 2)
	if err != nil {
		return err
	}
	id, err := d.streamArg(args[0])
	if err != nil {
		return err
	}
	text := strings.SplitN(input, " ", 3)[2]
	if !d.engine.Push(id, []byte(text)) {
		return errors.New("push rejected (not connected or not clear to send)")
	}
	fmt.Fprintf(w.Writer, "buffered %d bytes\n", len(text))
	return nil
}

func (d *daemon) cmdPushHex(input string, w *repl.REPLConfig) error {
	args, err := parseArgs(input, 2)
	if err != nil {
		return err
	}
	id, err := d.streamArg(args[0])
	if err != nil {
		return err
	}
	b, err := hex.DecodeString(args[1])
	if err != nil {
		return errors.Wrap(err, "bad hex string")
	}
	if !d.engine.Push(id, b) {
		return errors.New("push rejected (not connected or not clear to send)")
	}
	fmt.Fprintf(w.Writer, "buffered %d bytes\n", len(b))
	return nil
}

func (d *daemon) cmdFlush(input string, _ *repl.REPLConfig) error {
	args, err := parseArgs(input, 1)
	if err != nil {
		return err
	}
	id, err := d.streamArg(args[0])
	if err != nil {
		return err
	}
	d.engine.Flush(id)
	return nil
}

func (d *daemon) cmdWindow(input string, _ *repl.REPLConfig) error {
	args, err := parseArgs(input, 2)
	if err != nil {
		return err
	}
	id, err := d.streamArg(args[0])
	if err != nil {
		return err
	}
	wnd, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return err
	}
	d.engine.SetWindow(id, uint32(wnd))
	return nil
}

func (d *daemon) cmdAck(input string, _ *repl.REPLConfig) error {
	args, err := parseArgs(input, 2)
	if err != nil {
		return err
	}
	id, err := d.streamArg(args[0])
	if err != nil {
		return err
	}
	num, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return err
	}
	d.engine.Ack(id, uint32(num))
	return nil
}

func (d *daemon) cmdRewind(input string, _ *repl.REPLConfig) error {
	args, err := parseArgs(input, 2)
	if err != nil {
		return err
	}
	id, err := d.streamArg(args[0])
	if err != nil {
		return err
	}
	base, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return err
	}
	d.engine.Rewind(id, uint32(base))
	return nil
}

func (d *daemon) cmdMSS(input string, _ *repl.REPLConfig) error {
	args, err := parseArgs(input, 2)
	if err != nil {
		return err
	}
	id, err := d.streamArg(args[0])
	if err != nil {
		return err
	}
	mss, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return err
	}
	d.engine.SetMSS(id, uint32(mss))
	return nil
}

func (d *daemon) cmdStatus(_ string, w *repl.REPLConfig) error {
	fmt.Fprintf(w.Writer, "%-4s %-10s %-15s %-9s %-9s %-11s %-11s %-7s %-6s\n",
		"SID", "Connected", "State", "Buffered", "Window", "SndNxt", "AckedBase", "Frames", "CTS")
	for id := 0; id < d.engine.NumStreams(); id++ {
		st := d.engine.Stats(id)
		fmt.Fprintf(w.Writer, "%-4d %-10v %-15s %-9d %-9d %-11d %-11d %-7d %-6v\n",
			id, st.Connected, st.State, st.Buffered, st.UsableWindow,
			st.SndNxt, st.AckedBase, st.FramesEmitted, d.engine.ClearToSend(id))
	}
	return nil
}

func (d *daemon) cmdTick(input string, _ *repl.REPLConfig) error {
	n := 1
	args := strings.Fields(input)[1:]
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return errors.Errorf("invalid tick count %q", args[0])
		}
		n = v
	}
	for i := 0; i < n; i++ {
		d.step()
	}
	return nil
}

func (d *daemon) cmdRun(input string, _ *repl.REPLConfig) error {
	interval := time.Millisecond
	args := strings.Fields(input)[1:]
	if len(args) > 0 {
		ms, err := strconv.Atoi(args[0])
		if err != nil || ms < 1 {
			return errors.Errorf("invalid interval %q", args[0])
		}
		interval = time.Duration(ms) * time.Millisecond
	}
	d.startTicker(interval)
	return nil
}

func (d *daemon) cmdStop(_ string, _ *repl.REPLConfig) error {
	d.stopTicker()
	return nil
}

func (d *daemon) cmdPause(_ string, _ *repl.REPLConfig) error {
	d.engine.PauseConsumer(true)
	return nil
}

func (d *daemon) cmdResume(_ string, _ *repl.REPLConfig) error {
	d.engine.PauseConsumer(false)
	return nil
}
