package transport

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/evermail/rpch/internal/buffer"
	"github.com/evermail/rpch/internal/channel"
	"github.com/evermail/rpch/internal/date"
	"github.com/evermail/rpch/internal/pdu"
)

// Outcome tells the event loop what a context needs next.
type Outcome int

const (
	// cont is internal: re-run the state loop immediately.
	cont Outcome = iota - 1
	// PollRead waits for the socket to become readable.
	PollRead
	// PollWrite waits for the socket to become writable.
	PollWrite
	// Idle parks the context until Signal or the next tick.
	Idle
	// Close tears the connection down.
	Close
)

func (o Outcome) String() string {
	switch o {
	case PollRead:
		return "poll-read"
	case PollWrite:
		return "poll-write"
	case Idle:
		return "idle"
	case Close:
		return "close"
	}
	return "continue"
}

// Error taxonomy of the transport.
var (
	ErrProtocol          = errors.New("transport: protocol error")
	ErrResourceExhausted = errors.New("transport: resources exhausted")
	ErrTimeout           = errors.New("transport: deadline exceeded")
	ErrPeerLost          = errors.New("transport: peer lost")
)

// MS-RPCH protocol limits.
const (
	// outChannelMaxWait bounds how long an out-channel waits for its peer
	// in-channel or for recycling to complete.
	outChannelMaxWait = 10 * time.Second
	// outChannelMaxLength is the content length declared on the out-channel
	// response; the channel recycles before ever reaching it.
	outChannelMaxLength = 0x40000000
	// maxRecyclingRemaining is how close to the declared total the channel
	// may come before a proactive OUT R2/A2 recycling handshake starts.
	maxRecyclingRemaining = 0x4000000
	// echoLimit is the largest request body treated as an echo probe.
	echoLimit = 0x10
	// lowWindowThreshold suspends the writer rather than risk window
	// violations on tiny grants.
	lowWindowThreshold = 1024
)

func statusText(code int) string {
	switch code {
	case 200:
		return "Success"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 414:
		return "URI Too Long"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return "Internal Server Error"
	}
}

// Advance runs the context's state machine until it blocks, parks, or dies.
// It never blocks on I/O itself; every would-block surfaces as a poll
// outcome for the event loop.
func (s *Server) Advance(c *Context) Outcome {
	for {
		var out Outcome
		switch c.state() {
		case stateInitTLS:
			out = s.initTLS(c)
		case stateReadHead:
			out = s.readHead(c)
		case stateReadBody:
			out = s.readBody(c)
		case stateWriteResponse:
			out = s.writeResponse(c)
		case stateWait:
			out = s.wait(c)
		default:
			out = Close
		}
		if out != cont {
			return out
		}
	}
}

func (s *Server) initTLS(c *Context) Outcome {
	err := c.sock.Handshake()
	if err == nil {
		c.setState(stateReadHead)
		return cont
	}
	if !errors.Is(err, ErrWouldBlock) {
		c.logf("tls handshake failed: %v", err)
		return Close
	}
	if time.Since(c.lastTime) < s.timeout {
		return PollRead
	}
	c.logf("tls handshake timeout")
	return s.respond(c, 408)
}

// fill reads once from the socket into streamIn. ok reports whether the
// current state may keep processing; when false the returned Outcome (a
// staged error response or Close) takes over.
func (s *Server) fill(c *Context) (n int, out Outcome, ok bool) {
	buf, err := c.streamIn.WriteBuf()
	if err != nil {
		c.logf("read buffer exhausted: %v", err)
		return 0, s.respond(c, 503), false
	}
	n, err = c.sock.Read(buf)
	now := time.Now()
	switch {
	case err == nil && n > 0:
		c.lastTime = now
		c.streamIn.Commit(n)
		bytesReadTotal.Add(float64(n))
		return n, cont, true
	case errors.Is(err, ErrWouldBlock):
		if now.Sub(c.lastTime) < s.timeout {
			return 0, cont, true
		}
		c.logf("timeout")
		return 0, s.respond(c, 408), false
	default:
		c.logf("connection lost")
		return 0, Close, false
	}
}

func (s *Server) readHead(c *Context) Outcome {
	n, out, ok := s.fill(c)
	if !ok {
		return out
	}
	return s.parseHead(c, n)
}

func (s *Server) parseHead(c *Context, read int) Outcome {
	for {
		line, st := c.streamIn.ReadLine()
		switch st {
		case buffer.LineTooLong:
			c.logf("request header line too long")
			return s.respond(c, 400)
		case buffer.LineUnavailable:
			if read > 0 {
				return cont
			}
			return PollRead
		}

		if len(line) > 0 {
			var out Outcome
			var ok bool
			if c.req.method == "" {
				out, ok = s.parseRequestLine(c, line)
			} else {
				out, ok = s.parseHeaderLine(c, line)
			}
			if !ok {
				return out
			}
			continue
		}
		if c.req.method == "" {
			// extraneous blank lines before the request line
			continue
		}

		// end of request head
		if out, ok := s.authorize(c); !ok {
			return out
		}
		if strings.EqualFold(c.req.method, "RPC_IN_DATA") ||
			strings.EqualFold(c.req.method, "RPC_OUT_DATA") {
			return s.delegateRPC(c)
		}
		// generic handlers live outside the tunnel
		return s.respond(c, 405)
	}
}

func (s *Server) parseRequestLine(c *Context, line []byte) (Outcome, bool) {
	text := string(line)
	method, rest, ok := strings.Cut(text, " ")
	if !ok || method == "" || len(method) >= 32 {
		c.logf("malformed request line")
		return s.respond(c, 400), false
	}
	uri, version, ok := strings.Cut(rest, " ")
	if !ok {
		c.logf("malformed request line")
		return s.respond(c, 400), false
	}
	switch {
	case strings.EqualFold(version, "HTTP/1.1"):
		c.bClose = false
	case strings.EqualFold(version, "HTTP/1.0"):
		c.bClose = true
	default:
		c.logf("unsupported protocol version %q", version)
		return s.respond(c, 400), false
	}
	if uri == "" {
		return s.respond(c, 400), false
	}
	if len(uri) >= 1024 {
		return s.respond(c, 414), false
	}
	c.req.method = method
	c.req.uri = uri
	c.req.version = version
	return cont, true
}

func (s *Server) parseHeaderLine(c *Context, line []byte) (Outcome, bool) {
	name, value, ok := strings.Cut(string(line), ":")
	if !ok {
		c.logf("malformed header field")
		return s.respond(c, 400), false
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	switch {
	case strings.EqualFold(name, "Host"):
		host := value
		if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
			host = host[:i]
		}
		c.req.host = strings.Trim(host, "[]")
	case strings.EqualFold(name, "Content-Length"):
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			c.logf("bad Content-Length %q", value)
			return s.respond(c, 400), false
		}
		c.req.contentLength = v
	case strings.EqualFold(name, "Connection"):
		if strings.EqualFold(value, "keep-alive") {
			c.bClose = false
		} else if strings.EqualFold(value, "close") {
			c.bClose = true
		}
	default:
		if c.req.others == nil {
			c.req.others = make(map[string]string, 8)
		}
		c.req.others[strings.ToLower(name)] = value
	}
	return cont, true
}

func (s *Server) authorize(c *Context) (Outcome, bool) {
	line, ok := c.req.others["authorization"]
	if !ok {
		return cont, true
	}
	const prefix = "Basic "
	if len(line) <= len(prefix) || !strings.EqualFold(line[:len(prefix)], prefix) {
		return cont, true
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line[len(prefix):]))
	if err != nil {
		return cont, true
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return cont, true
	}
	c.username, c.password = user, pass
	if s.auth == nil {
		c.authed = true
		return cont, true
	}
	id, ok, err := s.auth.Login(c.username, c.password)
	if err == nil && ok {
		if id.Username != "" {
			c.username = id.Username
		}
		c.maildir = id.Maildir
		c.lang = id.Lang
		if c.maildir == "" {
			c.logf("maildir absent for %q", c.username)
			return s.respondUnauthorized(c), false
		}
		c.authed = true
		return cont, true
	}
	c.authed = false
	c.authTimes++
	c.logf("login failed for %q: %v", c.username, err)
	if s.blocker != nil && c.authTimes >= s.maxAuthTimes {
		s.blocker.Block(c.username, s.blockAuthFail)
	}
	return s.respondUnauthorized(c), false
}

func (s *Server) delegateRPC(c *Context) Outcome {
	host, port, err := splitProxyURI(c.req.uri)
	if err != nil {
		c.logf("rpcproxy request error: %v", err)
		return s.respond(c, 400)
	}
	c.host = host
	c.port = port

	if !c.authed {
		c.logf("authentication needed")
		return s.respondUnauthorized(c)
	}

	c.totalLength = c.req.contentLength
	// Bodies up to 0x10 bytes are echo probes and need no channel.
	if c.totalLength > echoLimit {
		if strings.EqualFold(c.req.method, "RPC_IN_DATA") {
			c.chType = channel.TypeIn
			c.in = &channel.In{}
		} else {
			c.chType = channel.TypeOut
			c.out = &channel.Out{}
		}
	}
	c.bytesRW = uint64(c.streamIn.Len())
	c.setState(stateReadBody)
	return cont
}

// splitProxyURI extracts the RPC endpoint from
// /rpc/rpcproxy.dll?host:port or /rpcwithcert/rpcproxy.dll?host:port.
func splitProxyURI(uri string) (string, int, error) {
	var rest string
	switch {
	case strings.HasPrefix(uri, "/rpc/rpcproxy.dll?"):
		rest = uri[len("/rpc/rpcproxy.dll?"):]
	case strings.HasPrefix(uri, "/rpcwithcert/rpcproxy.dll?"):
		rest = uri[len("/rpcwithcert/rpcproxy.dll?"):]
	default:
		return "", 0, errors.Wrapf(ErrProtocol, "unrecognized proxy path %q", uri)
	}
	host, portText, ok := strings.Cut(rest, ":")
	if !ok || host == "" || len(host) > 128 {
		return "", 0, errors.Wrap(ErrProtocol, "malformed proxy endpoint")
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, errors.Wrap(ErrProtocol, "malformed proxy port")
	}
	return host, port, nil
}

func (c *Context) fragLength() uint16 {
	if c.in != nil {
		return c.in.FragLength
	}
	if c.out != nil {
		return c.out.FragLength
	}
	return 0
}

func (c *Context) setFragLength(v uint16) {
	if c.in != nil {
		c.in.FragLength = v
	} else if c.out != nil {
		c.out.FragLength = v
	}
}

// growFrag returns the reassembly scratch sized to n.
func (c *Context) growFrag(n int) []byte {
	if cap(c.frag) < n {
		c.frag = make([]byte, n)
	}
	c.frag = c.frag[:n]
	return c.frag
}

func (s *Server) readBody(c *Context) Outcome {
	if c.chType != channel.TypeIn && c.chType != channel.TypeOut {
		return s.readBodyNoChannel(c)
	}

	fragLen := int(c.fragLength())
	need := pdu.FragLengthOffset + 2
	if c.streamIn.Len() < need || (fragLen > 0 && c.streamIn.Len() < fragLen) {
		n, out, ok := s.fillBody(c)
		if !ok {
			return out
		}
		if n == 0 {
			return PollRead
		}
	}
	if c.streamIn.Len() < need {
		return cont
	}

	if fragLen == 0 {
		hdr := c.growFrag(need)
		c.streamIn.CopyTo(hdr)
		fragLen = int(pdu.FragLength(hdr))
		if fragLen < pdu.HeaderSize {
			c.logf("malformed fragment header, frag_length=%d", fragLen)
			return Close
		}
		c.setFragLength(uint16(fragLen))
	}
	if c.streamIn.Len() < fragLen {
		return cont
	}

	frag := c.growFrag(fragLen)
	c.streamIn.CopyTo(frag)
	outcome, call := s.interp.RTSInput(c, frag)

	if c.chType == channel.TypeIn && c.in.State() == channel.Opened {
		switch outcome {
		case pdu.Error:
			// RTS decoding errors on an opened in-channel are ignored
			outcome = pdu.Input
		case pdu.Forward:
			proc, err := s.registry.Processor(c)
			if err != nil {
				c.logf("virtual connection error in registry")
				return Close
			}
			outcome, call = proc.Input(frag)
			if err := s.registry.AccountForward(c, uint32(fragLen), call, outcome == pdu.Input); err != nil {
				c.logf("virtual connection error in registry")
				return Close
			}
		}
	}

	c.streamIn.Skip(fragLen)
	c.setFragLength(0)

	switch outcome {
	case pdu.Input:
		return cont
	case pdu.Output:
		return s.handleOutput(c, call)
	case pdu.Terminate:
		return Close
	default:
		c.logf("pdu processing error")
		return Close
	}
}

// fillBody is fill plus body byte accounting and the content-length
// overflow guard.
func (s *Server) fillBody(c *Context) (int, Outcome, bool) {
	before := c.streamIn.Len()
	n, out, ok := s.fill(c)
	if !ok {
		return 0, out, false
	}
	if n > 0 {
		c.bytesRW += uint64(n)
		if c.totalLength > 0 && c.bytesRW > c.totalLength {
			c.logf("content length overflow when reading body")
			c.streamIn.Skip(c.streamIn.Len() - before)
			return 0, Close, false
		}
	}
	return n, cont, true
}

func (s *Server) readBodyNoChannel(c *Context) Outcome {
	if c.bytesRW < c.totalLength {
		n, out, ok := s.fillBody(c)
		if !ok {
			return out
		}
		if n == 0 {
			return PollRead
		}
		if c.bytesRW < c.totalLength {
			return cont
		}
	}

	if !strings.EqualFold(c.req.method, "RPC_IN_DATA") &&
		!strings.EqualFold(c.req.method, "RPC_OUT_DATA") {
		c.logf("unrecognized HTTP method %q", c.req.method)
		return s.respond(c, 405)
	}

	// echo probe, MS-RPCH 2.1.2.15
	c.streamIn.Skip(c.streamIn.Len())
	head := fmt.Sprintf("HTTP/1.1 200 Success\r\n"+
		"Connection: Keep-Alive\r\n"+
		"Content-Length: %d\r\n"+
		"Content-Type: application/rpc\r\n\r\n", pdu.EchoSize)
	if _, err := c.streamOut.Write([]byte(head)); err != nil {
		return Close
	}
	if _, err := c.streamOut.Write(pdu.Echo(c.growFrag(pdu.EchoSize))); err != nil {
		return Close
	}
	c.totalLength = uint64(len(head) + pdu.EchoSize)
	c.bytesRW = 0
	responsesTotal.WithLabelValues("200").Inc()
	c.setState(stateWriteResponse)
	return cont
}

func (s *Server) handleOutput(c *Context, call pdu.Call) Outcome {
	if c.chType == channel.TypeOut {
		// Only the CONN and OUT R1 handshakes may produce output on the
		// out-channel itself.
		st := c.out.State()
		if st != channel.OpenStart && st != channel.Recycling {
			c.logf("out channel cannot output after virtual connection established")
			return Close
		}
		head := fmt.Sprintf("HTTP/1.1 200 Success\r\n"+
			"Date: %s\r\n"+
			"Cache-Control: private\r\n"+
			"Content-Type: application/rpc\r\n"+
			"Persistent-Auth: true\r\n"+
			"Content-Length: %d\r\n\r\n", date.Current(), outChannelMaxLength)
		if _, err := c.streamOut.Write([]byte(head)); err != nil {
			return Close
		}
		if _, err := call.OutputStream(c.streamOut); err != nil {
			c.logf("handshake output failed: %v", err)
			return Close
		}
		c.totalLength = outChannelMaxLength + uint64(len(head))
		c.bytesRW = 0
		// the call stays with the channel for flow control and pings
		c.out.Call = call
		if st == channel.OpenStart {
			c.out.SetState(channel.WaitInChannel)
		} else {
			c.out.SetState(channel.WaitRecycled)
		}
		c.setState(stateWriteResponse)
		return cont
	}

	err := s.registry.DeliverOutput(c, call)
	call.Free()
	if err != nil {
		c.logf("missing out channel in virtual connection")
		return Close
	}
	return cont
}

func (s *Server) writeResponse(c *Context) Outcome {
	opened := c.chType == channel.TypeOut && c.out != nil &&
		c.out.State() == channel.Opened

	if c.writeBuf == nil {
		if opened {
			blob, ok := c.out.Queue.Head()
			if !ok {
				c.setState(stateWait)
				return cont
			}
			c.writeBuf = blob.Data
			c.writeRTS = blob.RTS
		} else {
			c.writeBuf = c.streamOut.ReadBuf()
			if len(c.writeBuf) == 0 {
				return s.finishResponse(c)
			}
		}
		c.writeOff = 0
	}

	chunk := c.writeBuf[c.writeOff:]
	if opened {
		window := c.out.AvailableWindow()
		if window < lowWindowThreshold {
			windowStallsTotal.Inc()
			return Idle
		}
		if uint32(len(chunk)) > window {
			chunk = chunk[:window]
		}
	}

	n, err := c.sock.Write(chunk)
	now := time.Now()
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			if now.Sub(c.lastTime) < s.timeout {
				return PollWrite
			}
			c.logf("timeout")
			return Close
		}
		c.logf("connection lost")
		return Close
	}
	c.lastTime = now
	c.writeOff += n
	c.bytesRW += uint64(n)
	bytesWrittenTotal.Add(float64(n))
	if opened && !c.writeRTS {
		c.out.ConsumeWindow(uint32(n))
		c.out.BytesSent += uint32(n)
	}

	if c.writeOff < len(c.writeBuf) {
		return cont
	}

	// the current buffer is fully flushed
	if opened {
		c.writeBuf = nil
		c.writeOff = 0
		c.out.Queue.Pop()
		if c.out.Queue.Len() > 0 {
			return cont
		}
		if c.totalLength > 0 &&
			c.totalLength-c.bytesRW <= maxRecyclingRemaining &&
			!c.out.Obsolete {
			// start out-channel recycling before the content-length
			// ceiling is reached
			if c.out.Call != nil && c.out.Call.OutR2A2() {
				c.out.Call.OutputPDU(&c.out.Queue)
				c.out.Obsolete = true
				recycleHandshakesTotal.WithLabelValues("out").Inc()
			}
			return cont
		}
		c.setState(stateWait)
		return cont
	}

	c.streamOut.Skip(len(c.writeBuf))
	c.writeBuf = nil
	c.writeOff = 0
	return cont
}

// finishResponse decides what follows a fully drained write stream.
func (s *Server) finishResponse(c *Context) Outcome {
	c.writeBuf = nil
	c.writeOff = 0
	if c.chType == channel.TypeOut && c.out != nil {
		if st := c.out.State(); st == channel.WaitInChannel || st == channel.WaitRecycled {
			// handshake flushed; wait for the in-channel
			c.streamOut.Reset()
			c.setState(stateWait)
			return cont
		}
	}
	if c.bClose {
		return Close
	}
	c.req.clear()
	c.streamOut.Reset()
	c.setState(stateReadHead)
	return cont
}

func (s *Server) wait(c *Context) Outcome {
	if c.chType != channel.TypeOut || c.out == nil {
		c.logf("non out-channel context parked in wait")
		return Close
	}
	switch c.out.State() {
	case channel.WaitInChannel:
		return s.waitInChannel(c)
	case channel.WaitRecycled:
		return s.waitRecycled(c)
	case channel.Recycled:
		return Close
	}

	// opened and idle: keepalive pings at half the negotiated interval
	keepalive := c.out.ClientKeepalive
	if keepalive <= 0 || time.Since(c.lastTime) < keepalive/2 {
		return Idle
	}
	if !s.registry.QueuePing(c) {
		return Idle
	}
	keepalivePingsTotal.Inc()
	c.setState(stateWriteResponse)
	return cont
}

func (s *Server) waitInChannel(c *Context) Outcome {
	done, err := s.registry.CompleteWaitIn(c)
	if err != nil {
		c.logf("failed to set up conn/c2: %v", err)
		return Close
	}
	if done {
		c.setState(stateWriteResponse)
		return cont
	}
	if time.Since(c.lastTime) < outChannelMaxWait {
		return Idle
	}
	c.logf("no in channel appeared within the waiting interval")
	return Close
}

func (s *Server) waitRecycled(c *Context) Outcome {
	done, pending := s.registry.CompleteWaitRecycled(c)
	if done {
		if pending > 0 {
			c.setState(stateWriteResponse)
		}
		return cont
	}
	if time.Since(c.lastTime) < outChannelMaxWait {
		return Idle
	}
	c.logf("channel was not recycled within the waiting interval")
	return Close
}

// respond stages an error response and closes the connection once flushed;
// the request body, if any, was never consumed.
func (s *Server) respond(c *Context, code int) Outcome {
	c.bClose = true
	msg := statusText(code)
	head := fmt.Sprintf("HTTP/1.1 %d %s\r\n"+
		"Date: %s\r\n"+
		"Content-Length: %d\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Connection: close\r\n\r\n%s\r\n",
		code, msg, date.Current(), len(msg)+2, msg)
	c.streamOut.Reset()
	if _, err := c.streamOut.Write([]byte(head)); err != nil {
		return Close
	}
	c.totalLength = uint64(len(head))
	c.bytesRW = 0
	responsesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	c.setState(stateWriteResponse)
	return cont
}

// respondUnauthorized challenges for Basic credentials. The connection is
// left open so the client can retry on the same socket.
func (s *Server) respondUnauthorized(c *Context) Outcome {
	head := fmt.Sprintf("HTTP/1.1 401 Unauthorized\r\n"+
		"Date: %s\r\n"+
		"Content-Length: 0\r\n"+
		"Keep-Alive: timeout=%d\r\n"+
		"Connection: close\r\n"+
		"WWW-Authenticate: Basic realm=\"msrpc realm\"\r\n\r\n",
		date.Current(), int(s.timeout/time.Second))
	c.streamOut.Reset()
	if _, err := c.streamOut.Write([]byte(head)); err != nil {
		return Close
	}
	c.totalLength = uint64(len(head))
	c.bytesRW = 0
	responsesTotal.WithLabelValues("401").Inc()
	c.setState(stateWriteResponse)
	return cont
}
