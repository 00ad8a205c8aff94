package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/model"

	"golang.org/x/sync/errgroup"
)

// DefaultDeliveryTimeout bounds a single delivery.
const DefaultDeliveryTimeout = 30 * time.Second

// Dispatcher fans events out to named sinks in the background.
type Dispatcher struct {
	sinks   map[string]Sink
	timeout time.Duration
	eg      errgroup.Group
	now     func() time.Time
}

func NewDispatcher(sinks map[string]Sink) *Dispatcher {
	if sinks == nil {
		sinks = make(map[string]Sink)
	}
	return &Dispatcher{
		sinks:   sinks,
		timeout: DefaultDeliveryTimeout,
		now:     time.Now,
	}
}

// FromConfig builds sinks of the configuration.
func FromConfig(cfg []model.Sink) (*Dispatcher, error) {
	sinks := make(map[string]Sink, len(cfg))
	var errs []error
	for _, c := range cfg {
		if _, ok := sinks[c.Name]; ok {
			errs = append(errs, fmt.Errorf("sink %s: duplicate name", c.Name))
			continue
		}
		s, err := NewSink(c)
		if err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", c.Name, err))
			continue
		}
		sinks[c.Name] = s
	}
	d := NewDispatcher(sinks)
	if err := errors.Join(errs...); err != nil {
		_ = d.closeSinks()
		return nil, err
	}
	return d, nil
}

// NewSink returns the sink variant selected by its type.
func NewSink(c model.Sink) (Sink, error) {
	var timeout time.Duration
	if c.Timeout != nil {
		timeout = c.Timeout.Std()
	}
	switch c.Type {
	case model.SinkTypeWebhook:
		return NewWebhook(c.URL, c.Headers, timeout)
	case model.SinkTypeEmail:
		return NewEmail(c.Addr, c.From, c.To, c.Username, c.Password)
	case model.SinkTypeCommand:
		return NewCommand(c.Command, timeout)
	case model.SinkTypeFile:
		return NewFile(c.Path)
	default:
		return nil, fmt.Errorf("unsupported sink type %q", c.Type)
	}
}

// Has reports if a sink of the name is configured.
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.sinks[name]
	return ok
}

// Dispatch sends the event of kind about job to every sink subscribed to
// it. It does not wait for the delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, kind model.EventKind, job *model.Job) {
	names := job.Notify.Sinks(kind)
	if len(names) == 0 {
		return
	}
	event := NewEvent(kind, job, d.now())
	// a delivery outlives the cancellation of the job
	base := context.WithoutCancel(ctx)
	for _, name := range names {
		sink, ok := d.sinks[name]
		if !ok {
			slog.WarnContext(ctx, "unknown notification sink", "sink", name, "event", string(kind))
			continue
		}
		d.eg.Go(func() error {
			ctx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()
			if err := sink.Notify(ctx, event); err != nil {
				nerr := &NotificationError{Sink: name, Kind: kind, JobID: job.ID, Err: err}
				slog.ErrorContext(ctx, "notification failed", "sink", name, "event", string(kind), "error", nerr)
				return nerr
			}
			slog.DebugContext(ctx, "notification sent", "sink", name, "event", string(kind))
			return nil
		})
	}
}

// Close waits for deliveries in flight, at most until ctx is done, and
// releases the sinks. It returns the first failed delivery.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- d.eg.Wait()
	}()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for notifications: %w", ctx.Err())
	}
	return errors.Join(err, d.closeSinks())
}

func (d *Dispatcher) closeSinks() error {
	var errs []error
	for name, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing sink %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
