// Package sender implements the covert sender of spec.md §4.2: it chunks a
// carrier message, crafts datagrams whose checksum field encodes the next
// covert bit, and drives a sliding-window ARQ loop with retransmission and
// timeout until every covert bit is acknowledged or dropped.
package sender

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/bartuakyurek/covertchan/internal/bitcodec"
	"github.com/bartuakyurek/covertchan/internal/logging"
)

// Mode selects whether a session embeds the real covert string or a random
// dummy, per spec.md §4.2's overt/dummy switch.
type Mode int

const (
	ModeCovert Mode = iota
	ModeOvertDummy
)

var (
	// ErrCarrierUnderflow is returned when the carrier yields fewer chunks
	// than the covert bitstream has bits.
	ErrCarrierUnderflow = errors.New("sender: carrier has fewer chunks than covert bits")
	// ErrInvalidBit is a programmer error: a bit outside {0, 1, sentinel}.
	ErrInvalidBit = errors.New("sender: invalid covert bit")
)

// BitSentinel marks a sequence past the end of the covert bitstream (⊥ in
// spec.md §4.2); it is sent with a computed checksum, behaviorally
// indistinguishable from bit=1.
const BitSentinel = -1

// seqPrefixOverhead is the datagram prefix reserved for "[<n>]", bounding
// practical n ranges per spec.md §4.2.
const seqPrefixOverhead = 8

// PacketSink sends one crafted covert-bearing datagram for sequence seq
// with the given intended bit (0, 1, or BitSentinel).
type PacketSink interface {
	SendPacket(seq int, payload []byte, bit int) error
}

// record is the sender's per-sequence outgoing packet state (spec.md §3).
type record struct {
	payload       []byte
	bit           int
	firstSent     time.Time
	transmissions int
	acked         bool
	ackTime       time.Time
	dropped       bool
}

// Params are the ARQ tunables of spec.md §4.2/§6.
type Params struct {
	MaxUDPPayload     int
	Window            int
	Timeout           time.Duration
	MaxTransmissions  int
	PostSendWait      time.Duration
	CovertProbability float64
}

// DefaultParams returns the default ARQ parameters: a 1472-byte maximum UDP
// payload, window 5, 500ms timeout, up to 3 transmissions per sequence, a 1s
// post-send wait, and covert probability 1.
func DefaultParams() Params {
	return Params{
		MaxUDPPayload:     1472,
		Window:            5,
		Timeout:           500 * time.Millisecond,
		MaxTransmissions:  3,
		PostSendWait:      1 * time.Second,
		CovertProbability: 1.0,
	}
}

// Sender drives one covert session end to end.
type Sender struct {
	sink   PacketSink
	params Params
	log    *logging.Logger
	rng    *rand.Rand

	mu          sync.Mutex
	records     map[int]*record
	windowStart int
	nextSeq     int
	acks        chan int

	chunks       [][]byte
	bitstream    []byte // 0/1 per bit; sequence k consumes bitstream[k] while k < len
	transmitted  int    // total datagrams sent, counting retransmissions
	acknowledged int     // acknowledged & not dropped, counted as each first ACK arrives
}

// New creates a Sender over sink with the given ARQ parameters.
func New(sink PacketSink, params Params, log *logging.Logger) *Sender {
	return &Sender{
		sink:    sink,
		params:  params,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		records: make(map[int]*record),
	}
}

// chunkSize is max_udp_payload - 8 bytes reserved for the "[n]" prefix.
func (s *Sender) chunkSize() int {
	size := s.params.MaxUDPPayload - seqPrefixOverhead
	if size < 1 {
		size = 1
	}
	return size
}

// prepare chunks the carrier and picks the covert/dummy payload, failing
// pre-flight per spec.md §4.2 before any packet is sent.
func (s *Sender) prepare(carrier []byte, covert string, mode Mode) error {
	payload := covert
	if mode == ModeOvertDummy {
		payload = randomDummy(s.rng)
	}

	bits, err := bitcodec.Encode(payload)
	if err != nil {
		return err
	}
	s.bitstream = bits

	size := s.chunkSize()
	var chunks [][]byte
	for i := 0; i < len(carrier); i += size {
		end := i + size
		if end > len(carrier) {
			end = len(carrier)
		}
		chunks = append(chunks, carrier[i:end])
	}
	if len(chunks) < len(bits) {
		return fmt.Errorf("%w: have %d chunks, need %d", ErrCarrierUnderflow, len(chunks), len(bits))
	}
	s.chunks = chunks
	return nil
}

// bitFor returns the intended covert bit for sequence k, or BitSentinel
// past the end of the covert bitstream.
func (s *Sender) bitFor(k int) int {
	if k < len(s.bitstream) {
		return int(s.bitstream[k])
	}
	return BitSentinel
}

func (s *Sender) overtPayload(k int) []byte {
	prefix := fmt.Sprintf("[%d]", k)
	return append([]byte(prefix), s.chunks[k]...)
}

// Send transmits carrier across the channel, embedding covert (or a random
// dummy when mode is ModeOvertDummy). It blocks until every covert bit is
// acknowledged or dropped, plus a post-send drain interval.
func (s *Sender) Send(carrier []byte, covert string, mode Mode) error {
	if err := s.prepare(carrier, covert, mode); err != nil {
		return err
	}

	stopAck := make(chan struct{})
	ackDone := make(chan struct{})
	s.mu.Lock()
	s.acks = make(chan int, 256)
	s.mu.Unlock()
	go func() {
		defer close(ackDone)
		s.ackIngestLoop(stopAck)
	}()

	s.emitLoop()

	close(stopAck)
	time.Sleep(s.params.PostSendWait)
	<-ackDone
	return nil
}

// DeliverAck feeds one inbound ACK (sequence number) to the session
// currently in progress. Callers — a UDP ACK-socket reader in production,
// a fake PacketSink in tests — call this for every ACK datagram received;
// the ack-ingest goroutine started by Send consumes it. It is a no-op if
// called before Send has started or after it has returned.
func (s *Sender) DeliverAck(seq int) {
	s.mu.Lock()
	ch := s.acks
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- seq:
	default:
	}
}

// emitLoop is the main thread's send-window advance + retransmission scan
// (spec.md §4.2). It sends only covert-bearing sequences (below the
// bitstream length). ACKs are consumed exclusively by ackIngestLoop; both
// loops mutate the shared records map under s.mu (this loop adds records and
// marks retransmissions and drops, ackIngestLoop marks ACKs).
func (s *Sender) emitLoop() {
	for {
		s.mu.Lock()
		for s.nextSeq < s.windowStart+s.params.Window && s.nextSeq < len(s.bitstream) && s.nextSeq < len(s.chunks) {
			s.sendFirst(s.nextSeq)
			s.nextSeq++
		}
		done := s.coverageComplete()
		s.mu.Unlock()

		if done {
			return
		}

		s.scanTimeouts()
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Sender) sendFirst(k int) {
	bit := s.bitFor(k)
	payload := s.overtPayload(k)

	rec := &record{payload: payload, bit: bit, firstSent: time.Now(), transmissions: 1}
	s.records[k] = rec

	if err := s.sink.SendPacket(k, payload, bit); err != nil {
		s.log.Error("send failed", logging.Fields{"seq": k, "error": err.Error()})
	}
	s.transmitted++
}

func (s *Sender) recordAck(seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[seq]
	if !ok {
		return
	}
	if rec.acked {
		return // duplicate ACK, ignored
	}
	// An earlier "dropped" finalization may still be upgraded by a late ACK
	// (see SPEC_FULL.md's Open Question decision).
	rec.acked = true
	rec.dropped = false
	rec.ackTime = time.Now()
	s.acknowledged++
	s.advanceWindow()
}

func (s *Sender) advanceWindow() {
	for {
		rec, ok := s.records[s.windowStart]
		if !ok || !(rec.acked || rec.dropped) {
			return
		}
		s.windowStart++
	}
}

func (s *Sender) scanTimeouts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k := s.windowStart; k < s.nextSeq; k++ {
		rec, ok := s.records[k]
		if !ok || rec.acked || rec.dropped {
			continue
		}
		if now.Sub(rec.firstSent) <= s.params.Timeout {
			continue
		}
		if rec.transmissions < s.params.MaxTransmissions {
			rec.transmissions++
			rec.firstSent = now
			if err := s.sink.SendPacket(k, rec.payload, rec.bit); err != nil {
				s.log.Error("retransmit failed", logging.Fields{"seq": k, "error": err.Error()})
			}
			s.transmitted++
		} else {
			rec.dropped = true
			if k == s.windowStart {
				s.advanceWindow()
			}
		}
	}
}

// coverageComplete reports whether every covert-bearing sequence has been
// finalized (acked or dropped) and no more chunks remain to place bits on.
func (s *Sender) coverageComplete() bool {
	if s.nextSeq < len(s.bitstream) && s.nextSeq < len(s.chunks) {
		return false
	}
	for k := 0; k < len(s.bitstream); k++ {
		rec, ok := s.records[k]
		if !ok || !(rec.acked || rec.dropped) {
			return false
		}
	}
	return true
}

func (s *Sender) ackIngestLoop(stop <-chan struct{}) {
	s.mu.Lock()
	acks := s.acks
	s.mu.Unlock()

	for {
		select {
		case <-stop:
			return
		case seq := <-acks:
			s.recordAck(seq)
		case <-time.After(10 * time.Millisecond):
		}

		s.mu.Lock()
		complete := len(s.records) > 0 && s.acknowledged+countDropped(s.records) >= len(s.bitstream)
		s.mu.Unlock()
		if complete && len(s.bitstream) > 0 {
			return
		}
	}
}

func countDropped(records map[int]*record) int {
	n := 0
	for _, r := range records {
		if r.dropped {
			n++
		}
	}
	return n
}

// Capacity returns (#acknowledged & not dropped) / (#datagrams transmitted,
// counting retransmissions), per spec.md §4.2's get_capacity().
func (s *Sender) Capacity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transmitted == 0 {
		return 0
	}
	return float64(s.acknowledged) / float64(s.transmitted)
}

// Transmitted returns the total datagram count (including retransmissions).
func (s *Sender) Transmitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmitted
}

func randomDummy(rng *rand.Rand) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	n := 1 + rng.Intn(10)
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}

// ChooseMode performs the Bernoulli switch of spec.md §4.2: covert with
// probability p, overt-dummy otherwise.
func ChooseMode(rng *rand.Rand, p float64) Mode {
	if rng.Float64() < p {
		return ModeCovert
	}
	return ModeOvertDummy
}
