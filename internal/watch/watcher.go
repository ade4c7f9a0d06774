package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/florianl/go-nfqueue"
	"github.com/tevino/abool"

	"github.com/lonelysadness/sandfence/internal/attribution"
	"github.com/lonelysadness/sandfence/internal/firewall"
	"github.com/lonelysadness/sandfence/internal/geoip"
	"github.com/lonelysadness/sandfence/internal/rules"
	"github.com/lonelysadness/sandfence/pkg/utils"
)

// Default queue numbers for the diversion rules.
const (
	DefaultQueueV4 = 17040
	DefaultQueueV6 = 17060
)

// Event is one audit record for a denied packet, written as a single JSON
// line. The verdict is always "drop": the watcher observes the deny, it
// never overrides it.
type Event struct {
	Time        time.Time                `json:"time"`
	Family      string                   `json:"family"`
	Protocol    string                   `json:"protocol"`
	Src         string                   `json:"src"`
	Dst         string                   `json:"dst"`
	Verdict     string                   `json:"verdict"`
	Country     string                   `json:"country,omitempty"`
	ASN         uint                     `json:"asn,omitempty"`
	Org         string                   `json:"org,omitempty"`
	Attribution *attribution.Attribution `json:"attribution,omitempty"`
}

// Config wires a Watcher.
type Config struct {
	QueueV4 uint16
	QueueV6 uint16

	Applier  *firewall.Applier
	Resolver attribution.PortResolver
	Geo      *geoip.DB
	Events   io.Writer
	Log      *slog.Logger
}

// Watcher drains NFQUEUE taps fed by the traffic headed for the deny rule.
// Every packet is decoded, attributed to its process, reported and then
// dropped. Enforcement never depends on the watcher being alive: the taps
// carry --queue-bypass, so with no listener the kernel keeps dropping on
// its own.
type Watcher struct {
	cfg     Config
	running *abool.AtomicBool

	mu sync.Mutex // serializes event writes across queue goroutines
}

func New(cfg Config) *Watcher {
	if cfg.QueueV4 == 0 {
		cfg.QueueV4 = DefaultQueueV4
	}
	if cfg.QueueV6 == 0 {
		cfg.QueueV6 = DefaultQueueV6
	}
	return &Watcher{cfg: cfg, running: abool.New()}
}

type tap struct {
	family rules.Family
	queue  uint16
}

// Run installs the diversion rules, consumes the queues until the context
// is cancelled and removes the diversion rules on the way out. The deny
// rule itself is never touched.
func (w *Watcher) Run(ctx context.Context) error {
	taps := []tap{{rules.IPv4, w.cfg.QueueV4}}
	if w.cfg.Applier.HasIPv6() {
		taps = append(taps, tap{rules.IPv6, w.cfg.QueueV6})
	}

	w.running.Set()
	defer w.running.UnSet()

	for _, tp := range taps {
		if err := w.cfg.Applier.InsertQueueTap(tp.family, tp.queue); err != nil {
			return fmt.Errorf("inserting %s queue tap: %w", tp.family, err)
		}
		defer func(f rules.Family, q uint16) {
			if err := w.cfg.Applier.RemoveQueueTap(f, q); err != nil {
				w.cfg.Log.Warn("removing queue tap", "family", f.String(), "err", err)
			}
		}(tp.family, tp.queue)

		nf, err := w.openQueue(ctx, tp.family, tp.queue)
		if err != nil {
			return err
		}
		defer nf.Close()

		w.cfg.Log.Debug("queue tap active", "family", tp.family.String(), "queue", tp.queue)
	}

	<-ctx.Done()
	return nil
}

func (w *Watcher) openQueue(ctx context.Context, family rules.Family, queue uint16) (*nfqueue.Nfqueue, error) {
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      queue,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  0xff,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("opening nfqueue %d: %w", queue, err)
	}

	hook := func(a nfqueue.Attribute) int {
		if a.PacketID == nil {
			return 0
		}
		if a.Payload != nil {
			w.report(ctx, family, *a.Payload)
		}
		if err := nf.SetVerdict(*a.PacketID, nfqueue.NfDrop); err != nil && w.running.IsSet() {
			w.cfg.Log.Warn("setting verdict", "queue", queue, "err", err)
		}
		return 0
	}
	errFn := func(err error) int {
		// Shutdown tears the socket down under the receiver; only complain
		// while we are supposed to be running.
		if w.running.IsSet() {
			w.cfg.Log.Warn("nfqueue receive", "queue", queue, "err", err)
		}
		return 0
	}

	if err := nf.RegisterWithErrorFunc(ctx, hook, errFn); err != nil {
		nf.Close()
		return nil, fmt.Errorf("registering on nfqueue %d: %w", queue, err)
	}
	return nf, nil
}

func (w *Watcher) report(ctx context.Context, family rules.Family, raw []byte) {
	pkt, err := Decode(raw)
	if err != nil {
		w.cfg.Log.Debug("undecodable packet", "family", family.String(), "err", err)
		return
	}

	ev := Event{
		Time:     time.Now().UTC(),
		Family:   pkt.Family.String(),
		Protocol: utils.ProtocolName(pkt.Protocol),
		Src:      pkt.Src(),
		Dst:      pkt.Dst(),
		Verdict:  "drop",
	}
	if w.cfg.Resolver != nil && pkt.SrcPort != 0 {
		att := w.cfg.Resolver.Resolve(ctx, pkt.SrcPort)
		ev.Attribution = &att
	}
	ev.Country = w.cfg.Geo.Country(pkt.DstIP)
	ev.ASN, ev.Org = w.cfg.Geo.ASN(pkt.DstIP)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := json.NewEncoder(w.cfg.Events).Encode(ev); err != nil {
		w.cfg.Log.Warn("writing audit event", "err", err)
	}
}
