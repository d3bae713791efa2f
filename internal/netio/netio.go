// Package netio wires the covert sender and receiver to real UDP/raw
// sockets, the production counterpart to the loopback fakes used in the
// package-level tests. It implements sender.PacketSink and receiver.AckSink
// over the wire formats of spec.md §6.
package netio

import (
	"fmt"
	"net"
	"strconv"

	"github.com/bartuakyurek/covertchan/internal/logging"
	"github.com/bartuakyurek/covertchan/internal/packetcraft"
	"github.com/bartuakyurek/covertchan/internal/receiver"
	"github.com/bartuakyurek/covertchan/internal/sender"
)

// DefaultOvertPort is the well-known destination UDP port carrying covert
// datagrams, per spec.md §6.
const DefaultOvertPort = 8888

// DefaultAckPort is the well-known UDP port ACKs are returned on.
const DefaultAckPort = 9999

// SenderSocket sends covert-bearing datagrams over a raw IPv4 socket and
// listens for ACKs on a regular UDP socket, feeding them to a Sender.
type SenderSocket struct {
	raw      *packetcraft.RawSocket
	ackConn  *net.UDPConn
	srcIP    net.IP
	dstIP    net.IP
	srcPort  int
	dstPort  int
	log      *logging.Logger
	stopRead chan struct{}
}

// DialSender opens the raw send socket and the ACK listener bound to
// ackPort, addressed at dstIP:overtPort with ACKs expected back to srcIP.
func DialSender(srcIP, dstIP net.IP, overtPort, ackPort int, log *logging.Logger) (*SenderSocket, error) {
	raw, err := packetcraft.NewRawSocket()
	if err != nil {
		return nil, err
	}
	ackConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: ackPort})
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("netio: listening for ACKs on :%d: %w", ackPort, err)
	}
	return &SenderSocket{
		raw:     raw,
		ackConn: ackConn,
		srcIP:   srcIP,
		dstIP:   dstIP,
		srcPort: ackPort,
		dstPort: overtPort,
		log:     log,
	}, nil
}

// SendPacket implements sender.PacketSink: it crafts a datagram whose
// checksum encodes bit (sentinel values are sent as a computed checksum,
// indistinguishable from bit=1) and writes it to the raw socket.
func (s *SenderSocket) SendPacket(seq int, payload []byte, bit int) error {
	computeChecksum := bit != 0 // sentinel and 1 both compute the checksum
	pkt, err := packetcraft.Build(s.srcIP, s.dstIP, s.srcPort, s.dstPort, payload, computeChecksum)
	if err != nil {
		return fmt.Errorf("netio: building packet for seq %d: %w", seq, err)
	}
	return s.raw.WriteTo(pkt, s.dstIP)
}

// ListenAcks reads ACK datagrams from the UDP socket and forwards each
// parsed sequence number to s via DeliverAck, until Close is called.
func (s *SenderSocket) ListenAcks(s2 *sender.Sender) {
	buf := make([]byte, 64)
	for {
		n, _, err := s.ackConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		seq, err := strconv.Atoi(string(buf[:n]))
		if err != nil {
			s.log.Warn("netio: malformed ACK payload", logging.Fields{"payload": string(buf[:n])})
			continue
		}
		s2.DeliverAck(seq)
	}
}

// Close releases both sockets.
func (s *SenderSocket) Close() error {
	err1 := s.raw.Close()
	err2 := s.ackConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// ReceiverSocket reads inbound covert-bearing datagrams off a raw socket and
// returns ACKs over a regular UDP socket to the sender's ACK port. The
// receiver's processing loop is single-threaded and strictly sequential
// (spec.md §5), so tracking the current datagram's source IP in a single
// field between ReadDatagram and the resulting SendAck call is safe.
type ReceiverSocket struct {
	raw        *packetcraft.RawSocket
	ackConn    *net.UDPConn
	ackPort    int
	currentSrc net.IP
}

// DialReceiver opens the raw listen socket and a UDP socket used only to
// send outbound ACK datagrams.
func DialReceiver(ackPort int) (*ReceiverSocket, error) {
	raw, err := packetcraft.NewRawSocket()
	if err != nil {
		return nil, err
	}
	ackConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("netio: opening ACK send socket: %w", err)
	}
	return &ReceiverSocket{raw: raw, ackConn: ackConn, ackPort: ackPort}, nil
}

// SendAck implements receiver.AckSink, addressing the ACK to the source IP
// of the datagram currently being processed by Serve.
func (r *ReceiverSocket) SendAck(seq int) error {
	if r.currentSrc == nil {
		return fmt.Errorf("netio: no inbound datagram in flight to ACK")
	}
	_, err := r.ackConn.WriteToUDP([]byte(strconv.Itoa(seq)), &net.UDPAddr{IP: r.currentSrc, Port: r.ackPort})
	return err
}

// Serve blocks reading inbound datagrams and dispatches each to recv, which
// calls back into SendAck for every successfully-parsed datagram. It returns
// nil once done is closed (clean shutdown, e.g. on SIGINT/SIGTERM), closing
// the raw socket to unblock the pending read; any other read failure is
// returned as an error.
func (r *ReceiverSocket) Serve(recv *receiver.Receiver, done <-chan struct{}) error {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-done:
			r.raw.Close()
		case <-stopped:
		}
	}()
	defer close(stopped)

	buf := make([]byte, 2048)
	for {
		dg, err := r.raw.ReadDatagram(buf)
		if err != nil {
			select {
			case <-done:
				return nil
			default:
				return err
			}
		}
		r.currentSrc = dg.SrcIP
		recv.HandlePacket(dg.Payload, dg.ChecksumPresent)
	}
}

// Close releases both sockets.
func (r *ReceiverSocket) Close() error {
	err1 := r.raw.Close()
	err2 := r.ackConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
