// Package pipeline describes which worker feeds which, per pipeline flavor,
// and provisions the broker topology for it. Flavors are pure data: workers
// receive their bindings from here at startup and never discover routing at
// runtime.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/newsarc/pipeline/internal/queue"
)

// Flavor names. The archive file prefix per flavor is part of the external
// contract with recovery tooling; see ArchivePrefix.
const (
	FlavorQueueFetcher = "queue-fetcher"
	FlavorHistorical   = "historical"
	FlavorArchive      = "archive"
	FlavorResearch     = "research"

	DefaultFlavor = FlavorQueueFetcher
)

// Flavors lists every known pipeline flavor.
var Flavors = []string{FlavorQueueFetcher, FlavorHistorical, FlavorArchive, FlavorResearch}

// Proc is one node in the pipeline graph.
type Proc struct {
	Name string

	// Consumer means the proc has an input queue (plus quarantine and
	// delay queues). A proc with outputs but no input is a producer.
	Consumer bool

	// Outputs names the procs whose input queues bind to this proc's
	// output exchange. More than one output means fan-out.
	Outputs []string
}

// Topology is the validated pipeline graph for one flavor.
type Topology struct {
	Flavor string
	Procs  []Proc

	byName map[string]*Proc
}

// Build returns the validated topology for a flavor.
func Build(flavor string) (*Topology, error) {
	var procs []Proc
	switch flavor {
	case FlavorQueueFetcher:
		procs = []Proc{
			{Name: "rss-queuer", Outputs: []string{"fetcher"}},
			{Name: "fetcher", Consumer: true, Outputs: []string{"parser"}},
			{Name: "parser", Consumer: true, Outputs: []string{"importer"}},
			{Name: "importer", Consumer: true, Outputs: []string{"archiver"}},
			{Name: "archiver", Consumer: true},
		}
	case FlavorHistorical:
		procs = []Proc{
			{Name: "hist-queuer", Outputs: []string{"hist-fetcher"}},
			{Name: "hist-fetcher", Consumer: true, Outputs: []string{"parser"}},
			{Name: "parser", Consumer: true, Outputs: []string{"importer"}},
			{Name: "importer", Consumer: true},
		}
	case FlavorArchive:
		procs = []Proc{
			{Name: "arch-queuer", Outputs: []string{"importer"}},
			{Name: "importer", Consumer: true, Outputs: []string{"archiver"}},
			{Name: "archiver", Consumer: true},
		}
	case FlavorResearch:
		// parser output fans out to the production importer and a
		// research export sink
		procs = []Proc{
			{Name: "rss-queuer", Outputs: []string{"fetcher"}},
			{Name: "fetcher", Consumer: true, Outputs: []string{"parser"}},
			{Name: "parser", Consumer: true, Outputs: []string{"importer", "exporter"}},
			{Name: "importer", Consumer: true, Outputs: []string{"archiver"}},
			{Name: "archiver", Consumer: true},
			{Name: "exporter", Consumer: true},
		}
	default:
		return nil, fmt.Errorf("unknown pipeline flavor %q", flavor)
	}

	t := &Topology{Flavor: flavor, Procs: procs, byName: map[string]*Proc{}}
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("flavor %s: %w", flavor, err)
	}
	return t, nil
}

// validate is a structural check done at build time, not a runtime one:
// every referenced name must exist, outputs must be consumers, producers
// must have outputs, and the graph must be acyclic.
func (t *Topology) validate() error {
	for i := range t.Procs {
		p := &t.Procs[i]
		if _, dup := t.byName[p.Name]; dup {
			return fmt.Errorf("process %s is already defined", p.Name)
		}
		t.byName[p.Name] = p
	}
	for _, p := range t.Procs {
		if !p.Consumer && len(p.Outputs) == 0 {
			return fmt.Errorf("producer %s has no outputs", p.Name)
		}
		for _, out := range p.Outputs {
			dest, ok := t.byName[out]
			if !ok {
				return fmt.Errorf("%s output %s is not defined", p.Name, out)
			}
			if !dest.Consumer {
				return fmt.Errorf("%s output %s is not a consumer", p.Name, out)
			}
		}
	}
	return t.checkAcyclic()
}

// checkAcyclic rejects cycles; a cycle would amplify messages without bound.
func (t *Topology) checkAcyclic() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("cycle detected through %s", name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, out := range t.byName[name].Outputs {
			if err := visit(out); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, p := range t.Procs {
		if err := visit(p.Name); err != nil {
			return err
		}
	}
	return nil
}

// Proc returns the named node, or nil.
func (t *Topology) Proc(name string) *Proc {
	return t.byName[name]
}

// Downstream returns the input queues fed by a proc's output exchange, used
// for the backpressure check.
func (t *Topology) Downstream(name string) []string {
	p := t.byName[name]
	if p == nil {
		return nil
	}
	queues := make([]string, 0, len(p.Outputs))
	for _, out := range p.Outputs {
		queues = append(queues, queue.InputQueue(out))
	}
	return queues
}

// ArchivePrefix returns the stable WARC file prefix for this flavor.
// External reindexing tooling matches on these; do not change them.
func (t *Topology) ArchivePrefix() string {
	switch t.Flavor {
	case FlavorHistorical:
		return "mchist"
	case FlavorArchive:
		return "mcarch"
	case FlavorResearch:
		return "mcres"
	default:
		return "mc"
	}
}

// Configure declares every exchange, queue, and binding the topology needs.
// Idempotent: safe to re-run against an already-configured broker. The
// configuration-semaphore exchange is declared last so workers that check it
// never observe a half-built topology.
func Configure(ctx context.Context, t *Topology, broker queue.Broker, logger *zap.Logger) error {
	for _, p := range t.Procs {
		if p.Consumer {
			in := queue.InputQueue(p.Name)
			for _, q := range []string{in, queue.QuarantineQueue(p.Name)} {
				logger.Debug("declaring queue", zap.String("queue", q))
				if err := broker.DeclareQueue(ctx, q, ""); err != nil {
					return err
				}
			}
			delay := queue.DelayQueue(p.Name)
			logger.Debug("declaring delay queue", zap.String("queue", delay))
			if err := broker.DeclareQueue(ctx, delay, in); err != nil {
				return err
			}
		}

		if len(p.Outputs) > 0 {
			exch := queue.OutputExchange(p.Name)
			fanout := len(p.Outputs) > 1
			logger.Debug("declaring exchange",
				zap.String("exchange", exch),
				zap.Bool("fanout", fanout),
			)
			if err := broker.DeclareExchange(ctx, exch, fanout); err != nil {
				return err
			}
			for _, out := range p.Outputs {
				dest := queue.InputQueue(out)
				logger.Debug("binding queue",
					zap.String("queue", dest),
					zap.String("exchange", exch),
				)
				if err := broker.BindQueue(ctx, dest, exch, queue.DefaultRoutingKey); err != nil {
					return err
				}
			}
		}
	}

	if err := broker.DeclareExchange(ctx, queue.ConfiguredExchange, false); err != nil {
		return err
	}
	logger.Info("broker topology configured", zap.String("flavor", t.Flavor))
	return nil
}

// Configured reports whether the configure command has completed against
// this broker.
func Configured(ctx context.Context, broker queue.Broker) (bool, error) {
	return broker.ExchangeExists(ctx, queue.ConfiguredExchange)
}

// WaitConfigured polls until the topology semaphore appears or the context
// ends. Workers call this at startup so deploy ordering does not matter.
func WaitConfigured(ctx context.Context, broker queue.Broker, interval time.Duration, logger *zap.Logger) error {
	for {
		ok, err := Configured(ctx, broker)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		logger.Info("waiting for broker topology configuration")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
