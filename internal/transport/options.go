package transport

import (
	"time"

	"github.com/energizer-project/relay/internal/config"
	"github.com/energizer-project/relay/internal/fragment"
	"github.com/energizer-project/relay/internal/priority"
	"github.com/energizer-project/relay/internal/protocol"
	"github.com/energizer-project/relay/internal/util"
)

// Options tunes the pipeline.
type Options struct {
	MaxPacketSize     int
	MaxFragmentSize   int
	ConnectionTimeout time.Duration
	IngressQueueSize  int
	EgressQueueSize   int
	Workers           int
	IngressBudget     time.Duration
	EgressBudget      time.Duration
	BudgetStrikes     int
	SweepInterval     time.Duration
	QueueingEnabled   bool
}

// DefaultOptions returns the options of a default configuration.
func DefaultOptions() Options {
	return Options{
		MaxPacketSize:     protocol.DefaultMaxPacketSize,
		MaxFragmentSize:   fragment.DefaultMaxFragmentSize,
		ConnectionTimeout: 15 * time.Second,
		IngressQueueSize:  priority.DefaultMaxSize,
		EgressQueueSize:   priority.DefaultMaxSize,
		Workers:           util.WorkerCount(0),
		IngressBudget:     50 * time.Millisecond,
		EgressBudget:      time.Second,
		BudgetStrikes:     3,
		SweepInterval:     time.Second,
		QueueingEnabled:   true,
	}
}

// OptionsFromConfig builds options from the transport configuration.
func OptionsFromConfig(t config.TransportConfig) Options {
	return Options{
		MaxPacketSize:     t.MaxPacketSize,
		MaxFragmentSize:   t.MaxFragmentSize,
		ConnectionTimeout: t.ConnectionTimeout(),
		IngressQueueSize:  t.IngressQueueSize,
		EgressQueueSize:   t.EgressQueueSize,
		Workers:           util.WorkerCount(t.Workers),
		IngressBudget:     t.IngressBudget(),
		EgressBudget:      t.EgressBudget(),
		BudgetStrikes:     t.BudgetStrikes,
		SweepInterval:     t.SweepInterval(),
		QueueingEnabled:   t.QueueingEnabled,
	}
}

// normalize fills zero values with defaults.
func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.MaxPacketSize <= 0 {
		o.MaxPacketSize = d.MaxPacketSize
	}
	if o.MaxFragmentSize <= 0 {
		o.MaxFragmentSize = d.MaxFragmentSize
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = d.ConnectionTimeout
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.IngressBudget <= 0 {
		o.IngressBudget = d.IngressBudget
	}
	if o.EgressBudget <= 0 {
		o.EgressBudget = d.EgressBudget
	}
	if o.BudgetStrikes <= 0 {
		o.BudgetStrikes = d.BudgetStrikes
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	return o
}
