//go:build darwin

package datapath

// Option configures a Datapath at Initialize time.
//
// Functional-options pattern, in the shape of the teacher's
// responder.Option func(*Responder) error (responder/options.go) — applied
// in Initialize() before anything that could observe the configuration
// runs.
type Option func(*Datapath) error

// WithProcessorCount overrides the default processor count (hw.logicalcpu
// via sysctl, spec.md §4.8/§9) — mainly for tests that want a
// deterministic, small ProcCount.
func WithProcessorCount(n int) Option {
	return func(d *Datapath) error {
		if n < 1 {
			return errInvalidProcessorCount
		}
		d.ProcCount = n
		return nil
	}
}

// WithPartitioner overrides the default send partitioner (HashPartitioner,
// spec.md §9).
func WithPartitioner(p Partitioner) Option {
	return func(d *Datapath) error {
		d.partitioner = p
		return nil
	}
}

// WithClientContextLength sets the trailing opaque region reserved in
// every RecvBlock for the upper layer (spec.md §3 ClientRecvContextLength).
func WithClientContextLength(n int) Option {
	return func(d *Datapath) error {
		d.ClientRecvContextLength = n
		return nil
	}
}

// WithUnreachableHandler registers the callback invoked when a send or
// receive observes ECONNREFUSED on a connected socket (spec.md §6, wired
// per SPEC_FULL.md §6/§9).
func WithUnreachableHandler(h UnreachableHandler) Option {
	return func(d *Datapath) error {
		d.UnreachableHandler = h
		return nil
	}
}

// WithMetrics attaches a metrics.Collector that receives packet and pool
// counters as the datapath runs (SPEC_FULL.md §6, new ambient surface).
func WithMetrics(m Metrics) Option {
	return func(d *Datapath) error {
		d.metrics = m
		return nil
	}
}

// BindingOption configures a Binding at BindingCreate time.
type BindingOption func(*Binding) error

// WithMTU overrides the binding's default MTU (QUIC_MAX_MTU, spec.md §3).
func WithMTU(mtu int) BindingOption {
	return func(b *Binding) error {
		if mtu < minMTU {
			return errInvalidMTU
		}
		b.Mtu = mtu
		return nil
	}
}
