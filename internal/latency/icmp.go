package latency

import (
	"context"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ICMPConnector sends a single echo request per probe. It needs a raw socket
// (root or CAP_NET_RAW). Targets are resolved like TCP targets and the port
// is ignored.
type ICMPConnector struct {
	id  int
	seq atomic.Uint32
}

func NewICMPConnector() *ICMPConnector {
	return &ICMPConnector{id: rand.Intn(0xffff)}
}

func (c *ICMPConnector) Connect(ctx context.Context, target string, timeout time.Duration) (time.Duration, error) {
	addr, err := dialTarget(target)
	if err != nil {
		return 0, err
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return 0, err
	}
	if len(addrs) == 0 {
		return 0, &net.DNSError{Err: "no addresses", Name: host}
	}
	ip := addrs[0].IP

	network := "ip4:icmp"
	proto := 1
	echoType := icmp.Type(ipv4.ICMPTypeEcho)
	replyType := icmp.Type(ipv4.ICMPTypeEchoReply)
	if ip.To4() == nil {
		network = "ip6:ipv6-icmp"
		proto = 58
		echoType = ipv6.ICMPTypeEchoRequest
		replyType = ipv6.ICMPTypeEchoReply
	}
	conn, err := icmp.ListenPacket(network, "")
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	seq := int(uint16(c.seq.Add(1)))
	return sendEcho(conn, ip, c.id, seq, echoType, replyType, proto, deadline)
}

func sendEcho(conn *icmp.PacketConn, ip net.IP, id, seq int, echoType, replyType icmp.Type, proto int, deadline time.Time) (time.Duration, error) {
	msg := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: []byte("fbspeed"),
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	start := time.Now()
	if _, err := conn.WriteTo(payload, &net.IPAddr{IP: ip}); err != nil {
		return 0, err
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, err
		}
		if ipAddr, ok := peer.(*net.IPAddr); ok && ipAddr.IP != nil && !ipAddr.IP.Equal(ip) {
			continue
		}
		parsed, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil || parsed.Type != replyType {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		if echo.ID == id && echo.Seq == seq {
			return time.Since(start), nil
		}
		// Anything else is a late reply to an earlier probe or another process.
	}
}

// NewConnector returns the connector for a configured method name.
func NewConnector(method string) Connector {
	switch method {
	case "icmp":
		return NewICMPConnector()
	case "http":
		return NewHTTPConnector()
	default:
		return TCPConnector{}
	}
}
