// Package processor implements the in-path middlebox of spec.md §4.4: it
// sits between the two bus subjects a cross-segment datagram travels on,
// optionally normalizes the UDP checksum (mitigation, which defeats the
// covert channel), sleeps a randomized per-packet delay, and re-emits the
// frame on the paired egress subject.
package processor

import (
	"math/rand"
	"time"

	"github.com/bartuakyurek/covertchan/internal/bus"
	"github.com/bartuakyurek/covertchan/internal/ethernet"
	"github.com/bartuakyurek/covertchan/internal/logging"
)

// subjectPair is one ingress->egress mapping. Per spec.md §6 the mapping
// cross-maps: inpktsec forwards to outpktinsec and vice versa.
type subjectPair struct {
	ingress string
	egress  string
}

var subjectPairs = []subjectPair{
	{ingress: "inpktsec", egress: "outpktinsec"},
	{ingress: "inpktinsec", egress: "outpktsec"},
}

// Config controls mitigation and delay behavior.
type Config struct {
	// MeanDelay D: each forwarded frame sleeps uniform(0, 2*D) before
	// publishing, per spec.md §4.4.
	MeanDelay time.Duration
	// Mitigation, when true, recomputes every UDP checksum it sees,
	// erasing the bit=0 signal (spec.md §4.4 step 2).
	Mitigation bool
	// FlushTimeout bounds the publish-confirmation round trip (spec.md
	// §5: 1s).
	FlushTimeout time.Duration
}

// DefaultFlushTimeout is spec.md §5's processor bus-flush timeout.
const DefaultFlushTimeout = 1 * time.Second

// Processor forwards datagrams between the two bus subject pairs.
type Processor struct {
	bus     bus.Bus
	cfg     Config
	log     *logging.Logger
	rand    *rand.Rand
	ticker  func(d time.Duration) // injection point for tests
	errChan chan error
}

// New creates a Processor bound to bus b.
func New(b bus.Bus, cfg Config, log *logging.Logger) *Processor {
	if cfg.FlushTimeout == 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	return &Processor{
		bus:     b,
		cfg:     cfg,
		log:     log,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		ticker:  time.Sleep,
		errChan: make(chan error, 16),
	}
}

// Errors returns the channel flush timeouts and publish failures are
// surfaced on, per spec.md §7's "Bus flush timeout: propagate" policy.
func (p *Processor) Errors() <-chan error {
	return p.errChan
}

// Run subscribes to both ingress subjects and processes messages until done
// is closed. Each message is handled in its own goroutine (spec.md §5: "each
// incoming message spawns an awaitable task chain"), so ordering is
// preserved per-subject only up to the randomized delay.
func (p *Processor) Run(done <-chan struct{}) error {
	for _, pair := range subjectPairs {
		ch, err := p.bus.Subscribe(pair.ingress)
		if err != nil {
			return err
		}
		go p.consume(pair, ch, done)
	}
	<-done
	return nil
}

func (p *Processor) consume(pair subjectPair, ch <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			go p.handle(pair, data)
		}
	}
}

func (p *Processor) handle(pair subjectPair, data []byte) {
	frame, ok := ethernet.Parse(data)
	if !ok {
		// Malformed frame: forwarded unchanged per spec.md §4.4's tolerant
		// parser policy.
		p.forward(pair, data)
		return
	}

	if p.cfg.Mitigation {
		if offset, hasUDP := frame.HasUDP(); hasUDP {
			frame.ZeroUDPChecksum(offset)
			if err := frame.RecomputeUDPChecksum(offset); err != nil {
				p.log.Warn("mitigation: recompute failed", logging.Fields{"error": err.Error()})
			}
		}
		data = frame.Serialize()
	}

	delay := p.randomDelay()
	p.ticker(delay)

	p.forward(pair, data)
}

func (p *Processor) forward(pair subjectPair, data []byte) {
	if err := p.bus.Publish(pair.egress, data); err != nil {
		p.log.Error("publish failed", logging.Fields{"subject": pair.egress, "error": err.Error()})
		p.surface(err)
		return
	}
	if err := p.bus.Flush(p.cfg.FlushTimeout); err != nil {
		p.log.Error("flush timeout", logging.Fields{"subject": pair.egress, "error": err.Error()})
		p.surface(err)
	}
}

func (p *Processor) surface(err error) {
	select {
	case p.errChan <- err:
	default:
	}
}

// randomDelay draws uniformly from [0, 2*MeanDelay].
func (p *Processor) randomDelay() time.Duration {
	if p.cfg.MeanDelay <= 0 {
		return 0
	}
	max := int64(2 * p.cfg.MeanDelay)
	return time.Duration(p.rand.Int63n(max + 1))
}
