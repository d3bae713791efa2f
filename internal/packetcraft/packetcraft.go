// Package packetcraft builds and parses raw IPv4/UDP datagrams with direct
// control over the UDP checksum field, the wire substrate the covert
// channel steals one bit from per spec.md §4.2/§9.
package packetcraft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// ErrInvalidBit is returned when a caller asks for a bit outside {0, 1}.
var ErrInvalidBit = errors.New("packetcraft: invalid covert bit")

const (
	ipHeaderLen  = 20
	udpHeaderLen = 8
)

// Datagram is a parsed IPv4/UDP packet, exposing exactly the fields the
// covert channel needs: addressing, the visible payload, and whether the
// UDP checksum field was zero on the wire.
type Datagram struct {
	SrcIP           net.IP
	DstIP           net.IP
	SrcPort         int
	DstPort         int
	Payload         []byte
	ChecksumPresent bool // false when the UDP checksum field was 0x0000
}

// Build constructs a raw IPv4/UDP packet. When computeChecksum is true the
// UDP checksum is computed per RFC 768 (covert bit 1); when false the
// checksum field is written as 0x0000 (covert bit 0), which is legal for
// UDP over IPv4.
func Build(srcIP, dstIP net.IP, srcPort, dstPort int, payload []byte, computeChecksum bool) ([]byte, error) {
	srcIP4 := srcIP.To4()
	dstIP4 := dstIP.To4()
	if srcIP4 == nil || dstIP4 == nil {
		return nil, fmt.Errorf("packetcraft: IPv6 not supported")
	}

	udpLen := udpHeaderLen + len(payload)
	udpSeg := make([]byte, udpLen)
	binary.BigEndian.PutUint16(udpSeg[0:2], uint16(srcPort))
	binary.BigEndian.PutUint16(udpSeg[2:4], uint16(dstPort))
	binary.BigEndian.PutUint16(udpSeg[4:6], uint16(udpLen))
	// checksum field (bytes 6:8) left zero for the sum computation below.
	copy(udpSeg[8:], payload)

	if computeChecksum {
		sum := udpChecksum(srcIP4, dstIP4, udpSeg)
		if sum == 0 {
			sum = 0xFFFF // RFC 768: an all-zero computed checksum is sent as all-ones.
		}
		binary.BigEndian.PutUint16(udpSeg[6:8], sum)
	}

	totalLen := ipHeaderLen + udpLen
	pkt := make([]byte, totalLen)
	pkt[0] = 0x45 // version 4, IHL 5 (no options)
	pkt[1] = 0x00 // DSCP/ECN
	binary.BigEndian.PutUint16(pkt[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(pkt[4:6], 0) // identification
	binary.BigEndian.PutUint16(pkt[6:8], 0) // flags/fragment offset
	pkt[8] = 64                             // TTL
	pkt[9] = 17                             // protocol = UDP
	copy(pkt[12:16], srcIP4)
	copy(pkt[16:20], dstIP4)
	binary.BigEndian.PutUint16(pkt[10:12], ipv4Checksum(pkt[:ipHeaderLen]))
	copy(pkt[ipHeaderLen:], udpSeg)

	return pkt, nil
}

// BuildForBit is Build's covert-bit-aware counterpart: bit must be 0 or 1.
// Any other value is a programmer error (ErrInvalidBit), matching spec.md
// §4.2's InvalidBit failure.
func BuildForBit(srcIP, dstIP net.IP, srcPort, dstPort int, payload []byte, bit int) ([]byte, error) {
	switch bit {
	case 0:
		return Build(srcIP, dstIP, srcPort, dstPort, payload, false)
	case 1:
		return Build(srcIP, dstIP, srcPort, dstPort, payload, true)
	default:
		return nil, ErrInvalidBit
	}
}

// Parse extracts a Datagram from a raw IPv4 packet. It does not verify the
// UDP checksum (the covert channel cares only about presence, not
// correctness of a present checksum).
func Parse(raw []byte) (*Datagram, error) {
	if len(raw) < ipHeaderLen {
		return nil, fmt.Errorf("packetcraft: short IP packet: %d bytes", len(raw))
	}
	ihl := int(raw[0]&0x0F) * 4
	if ihl < ipHeaderLen || len(raw) < ihl+udpHeaderLen {
		return nil, fmt.Errorf("packetcraft: short or invalid IP header")
	}
	if raw[9] != 17 {
		return nil, fmt.Errorf("packetcraft: not a UDP packet (protocol %d)", raw[9])
	}

	udpSeg := raw[ihl:]
	srcPort := binary.BigEndian.Uint16(udpSeg[0:2])
	dstPort := binary.BigEndian.Uint16(udpSeg[2:4])
	udpLen := int(binary.BigEndian.Uint16(udpSeg[4:6]))
	checksum := binary.BigEndian.Uint16(udpSeg[6:8])

	if udpLen < udpHeaderLen || udpLen > len(udpSeg) {
		return nil, fmt.Errorf("packetcraft: invalid UDP length %d", udpLen)
	}

	return &Datagram{
		SrcIP:           net.IP(append([]byte{}, raw[12:16]...)),
		DstIP:           net.IP(append([]byte{}, raw[16:20]...)),
		SrcPort:         int(srcPort),
		DstPort:         int(dstPort),
		Payload:         append([]byte{}, udpSeg[udpHeaderLen:udpLen]...),
		ChecksumPresent: checksum != 0,
	}, nil
}

// udpChecksum computes the RFC 768 UDP checksum over the IPv4 pseudo-header
// and the UDP segment (with the checksum field itself zeroed by the caller).
func udpChecksum(srcIP, dstIP net.IP, udpSeg []byte) uint16 {
	var sum uint32
	sum += wordSum(srcIP)
	sum += wordSum(dstIP)
	sum += uint32(17) // protocol
	sum += uint32(len(udpSeg))
	sum += wordSum(udpSeg)
	return foldChecksum(sum)
}

// ipv4Checksum computes the IPv4 header checksum (header has checksum
// field already zeroed by the caller).
func ipv4Checksum(header []byte) uint16 {
	return foldChecksum(wordSum(header))
}

func wordSum(b []byte) uint32 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// RawSocket wraps a golang.org/x/net/ipv4 RawConn bound to IPPROTO_UDP,
// the "raw-socket path" spec.md §9 calls for on platforms where the kernel
// refuses to emit a zero-checksum UDP datagram through a regular socket.
type RawSocket struct {
	raw *ipv4.RawConn
	pc  net.PacketConn
}

// NewRawSocket opens a raw IP socket for protocol UDP. Requires elevated
// privileges on most platforms (CAP_NET_RAW / root).
func NewRawSocket() (*RawSocket, error) {
	pc, err := net.ListenPacket("ip4:udp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("packetcraft: opening raw socket: %w", err)
	}
	raw, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("packetcraft: wrapping raw conn: %w", err)
	}
	return &RawSocket{raw: raw, pc: pc}, nil
}

// WriteTo sends a fully-built IPv4/UDP packet (as returned by Build) to dst.
func (s *RawSocket) WriteTo(pkt []byte, dst net.IP) error {
	hdr, err := ipv4.ParseHeader(pkt)
	if err != nil {
		return fmt.Errorf("packetcraft: parsing header for send: %w", err)
	}
	hdr.Dst = dst
	return s.raw.WriteTo(hdr, pkt[hdr.Len:], nil)
}

// ReadDatagram blocks for the next inbound IPv4/UDP packet and parses it.
func (s *RawSocket) ReadDatagram(buf []byte) (*Datagram, error) {
	hdr, payload, _, err := s.raw.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	full := make([]byte, hdr.Len+len(payload))
	raw, _ := hdr.Marshal()
	copy(full, raw)
	copy(full[hdr.Len:], payload)
	return Parse(full)
}

// Close releases the underlying socket.
func (s *RawSocket) Close() error {
	return s.pc.Close()
}
