// Package receiver implements the covert receiver of spec.md §4.3: a
// stateful overt->covert de-framer driven by a fixed preamble, reassembling
// length-prefixed covert chunks from the checksum-encoded bit stream and
// ACKing every successfully-parsed inbound datagram.
package receiver

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bartuakyurek/covertchan/internal/bitcodec"
	"github.com/bartuakyurek/covertchan/internal/logging"
)

// Preamble is the fixed 8-bit pattern that switches the receiver from
// overt to covert state, per spec.md §6 (byte 0x53, 'S').
const Preamble = "01010011"

// state is the receiver's overt/covert mode.
type state int

const (
	stateOvert state = iota
	stateCovert
)

// AckSink sends the ACK datagram for one successfully-parsed inbound
// sequence number.
type AckSink interface {
	SendAck(seq int) error
}

// Receiver holds the per-session state machine of spec.md §4.3/§3.
type Receiver struct {
	ack AckSink
	log *logging.Logger

	mu               sync.Mutex
	mode             state
	preambleBits     map[int]byte
	covertBits       map[int]byte
	chunkBitLen      int // 0 until the 8-bit header has been decoded
	lastMessage      string
}

// New creates a Receiver that ACKs through ack.
func New(ack AckSink, log *logging.Logger) *Receiver {
	return &Receiver{
		ack:          ack,
		log:          log,
		preambleBits: make(map[int]byte),
		covertBits:   make(map[int]byte),
	}
}

// HandlePacket processes one inbound datagram: payload is the visible UDP
// payload ("[<n>]<chunk>") and checksumPresent is the decoded covert bit
// (true=1, false=0). It implements spec.md §4.3's per-packet processing.
func (r *Receiver) HandlePacket(payload []byte, checksumPresent bool) {
	seq, ok := parseSeq(payload)
	if !ok {
		r.log.Warn("malformed sequence prefix, dropping", logging.Fields{"payload": string(payload)})
		return
	}

	bit := byte(0)
	if checksumPresent {
		bit = 1
	}

	r.mu.Lock()
	switch r.mode {
	case stateOvert:
		r.handleOvert(seq, bit)
	case stateCovert:
		r.handleCovert(seq, bit)
	}
	r.mu.Unlock()

	if err := r.ack.SendAck(seq); err != nil {
		r.log.Error("ack send failed", logging.Fields{"seq": seq, "error": err.Error()})
	}
}

// handleOvert appends to the preamble buffer and checks whether the most
// recent len(Preamble) bits (in sequence order) match Preamble. Must be
// called with r.mu held.
func (r *Receiver) handleOvert(seq int, bit byte) {
	r.preambleBits[seq] = bit
	if len(r.preambleBits) < len(Preamble) {
		return
	}

	keys := sortedKeys(r.preambleBits)
	window := keys[len(keys)-len(Preamble):]
	var sb strings.Builder
	for _, k := range window {
		sb.WriteByte('0' + r.preambleBits[k])
	}
	if sb.String() != Preamble {
		return
	}

	r.log.Info("preamble matched, entering covert state", nil)
	r.resetBuffers()
	r.mode = stateCovert
}

// handleCovert appends to the chunk buffer, decodes the 8-bit length header
// once available, and completes the chunk once its declared bit length has
// arrived. Must be called with r.mu held.
func (r *Receiver) handleCovert(seq int, bit byte) {
	r.covertBits[seq] = bit

	if r.chunkBitLen == 0 && len(r.covertBits) >= bitcodec.HeaderBits {
		keys := sortedKeys(r.covertBits)
		header := keys[:bitcodec.HeaderBits]
		var headerBits []byte
		for _, k := range header {
			headerBits = append(headerBits, r.covertBits[k])
		}
		length := int(bitsToByte(headerBits))
		r.chunkBitLen = bitcodec.HeaderBits + 8*length
	}

	if r.chunkBitLen == 0 || len(r.covertBits) < r.chunkBitLen {
		return
	}

	keys := sortedKeys(r.covertBits)
	keys = keys[:r.chunkBitLen]
	bits := make([]byte, len(keys))
	for i, k := range keys {
		bits[i] = r.covertBits[k]
	}

	message := bitcodec.Decode(bits)
	r.log.Info("covert chunk complete", logging.Fields{"message": message})
	r.lastMessage = message

	r.resetBuffers()
	r.mode = stateOvert
}

// resetBuffers clears both per-state buffers, called on every transition.
// Must be called with r.mu held.
func (r *Receiver) resetBuffers() {
	r.preambleBits = make(map[int]byte)
	r.covertBits = make(map[int]byte)
	r.chunkBitLen = 0
}

// GetCovertMessage returns the decoded string for the most recently
// completed chunk, or empty if none has completed yet.
func (r *Receiver) GetCovertMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMessage
}

// parseSeq finds the first "[...]" integer prefix in payload, per spec.md
// §4.3 step 1.
func parseSeq(payload []byte) (int, bool) {
	s := string(payload)
	open := strings.IndexByte(s, '[')
	if open < 0 {
		return 0, false
	}
	closeIdx := strings.IndexByte(s[open+1:], ']')
	if closeIdx < 0 {
		return 0, false
	}
	numStr := s[open+1 : open+1+closeIdx]
	n, err := strconv.Atoi(numStr)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func sortedKeys(m map[int]byte) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func bitsToByte(bits []byte) byte {
	var b byte
	for _, bit := range bits {
		b = (b << 1) | (bit & 1)
	}
	return b
}
