// Package client is the public entry point (spec ch.2 C10): one Factory
// per application process owns the connection pool, controller client and
// token provider, and spawns a reactor goroutine for every byte-stream or
// event-stream writer it opens.
package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaykit/segstream/internal/asyncreader"
	"github.com/relaykit/segstream/internal/bytestream"
	"github.com/relaykit/segstream/internal/config"
	"github.com/relaykit/segstream/internal/controller"
	"github.com/relaykit/segstream/internal/logging"
	"github.com/relaykit/segstream/internal/memstore"
	"github.com/relaykit/segstream/internal/pool"
	"github.com/relaykit/segstream/internal/reactor"
	"github.com/relaykit/segstream/internal/readergroup"
	"github.com/relaykit/segstream/internal/segment"
	"github.com/relaykit/segstream/internal/selector"
	"github.com/relaykit/segstream/internal/tablesync"
	"github.com/relaykit/segstream/internal/wire"
	"github.com/relaykit/segstream/internal/writer"
)

// runner is the subset of SegmentReactor/StreamReactor the factory needs
// to drive a spawned goroutine and shut it down gracefully.
type runner interface {
	Run(ctx context.Context)
	Inbox() chan<- reactor.Incoming
	Done() <-chan struct{}
}

// Factory is the lifetime owner of a client's connection pool, controller
// client, and every reactor it spawns. Construct one per process; Close
// it to drain and stop every writer it opened.
type Factory struct {
	cfg    config.ClientConfig
	logger *slog.Logger

	conns      *pool.Manager
	controller controller.Client
	tokens     controller.TokenProvider
	store      *memstore.Store
	newReader  func(segment.Scoped) asyncreader.Reader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	closers []func()
}

type options struct {
	controller controller.Client
	logger     *slog.Logger
	newReader  func(segment.Scoped) asyncreader.Reader
}

// Option customizes Factory construction beyond what config.ClientConfig
// covers.
type Option func(*options)

// WithController injects the controller-client RPC implementation that
// ConnectionTypeTokio deployments must supply: the controller-client RPC
// layer is an external collaborator (spec ch.1/ch.6), so the factory never
// dials one itself outside of the Mock connection types, which use the
// in-process memstore instead.
func WithController(c controller.Client) Option {
	return func(o *options) { o.controller = c }
}

// WithSegmentReader injects the async segment reader (spec ch.2 C3, also
// an external collaborator) a byte-stream reader uses for its read path,
// for ConnectionTypeTokio deployments. Unnecessary for ConnectionTypeMockHappy,
// which defaults to reading back from the in-process memstore; the
// wrong-host and segment-sealed Mock types have no default reader.
func WithSegmentReader(factory func(segment.Scoped) asyncreader.Reader) Option {
	return func(o *options) { o.newReader = factory }
}

// WithLogger overrides the default stdout logger built from logging.Config{}.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewFactory builds a Factory from cfg. For the three Mock connection
// types the in-process memstore.Store (or, for the wrong-host/sealed
// mocks, a scriptable controller.MockClient paired with the matching
// wire mock) backs the whole stack with no external dependency; for
// ConnectionTypeTokio a real controller.Client and, if reads are needed,
// an asyncreader.Reader factory must be supplied via options.
func NewFactory(cfg config.ClientConfig, opts ...Option) (*Factory, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = logging.New(logging.Config{Level: "info"}, "client")
	}

	var store *memstore.Store
	var ctrl controller.Client
	var dial pool.Dialer
	newReader := o.newReader

	switch cfg.ConnectionType {
	case config.ConnectionTypeMockHappy:
		store = memstore.NewStore(cfg.ControllerURI)
		ctrl = store
		dial = func(context.Context, string) (wire.RawClient, error) { return store, nil }
		if newReader == nil {
			newReader = store.ForSegment
		}

	case config.ConnectionTypeMockWrongHost:
		ctrl = controller.NewMockClient(cfg.ControllerURI)
		dial = func(context.Context, string) (wire.RawClient, error) {
			return &wire.MockWrongHostClient{CorrectHost: cfg.ControllerURI}, nil
		}

	case config.ConnectionTypeMockSegmentSeal:
		ctrl = controller.NewMockClient(cfg.ControllerURI)
		dial = func(context.Context, string) (wire.RawClient, error) {
			return &wire.MockSegmentSealedClient{}, nil
		}

	case config.ConnectionTypeTokio:
		if o.controller == nil {
			return nil, fmt.Errorf("connection type %q requires client.WithController: the controller-client RPC layer is an external collaborator this factory does not dial itself", cfg.ConnectionType)
		}
		ctrl = o.controller
		dial = func(ctx context.Context, host string) (wire.RawClient, error) {
			return wire.DialTCP(ctx, host, cfg.IsTLSEnabled)
		}

	default:
		return nil, fmt.Errorf("unrecognized connection type %q", cfg.ConnectionType)
	}

	cachedCtrl, err := controller.NewCachingClient(ctrl, 0)
	if err != nil {
		return nil, fmt.Errorf("wrap controller client: %w", err)
	}

	var tokens controller.TokenProvider = controller.NoAuth
	if cfg.IsAuthEnabled {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token signing secret: %w", err)
		}
		tokens = controller.NewJWTTokenProvider(secret, 0)
	}

	conns := pool.NewManager(dial, cfg.MaxConnectionsInPool, 50, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Factory{
		cfg:        cfg,
		logger:     logger,
		conns:      conns,
		controller: cachedCtrl,
		tokens:     tokens,
		store:      store,
		newReader:  newReader,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// spawn runs r in its own goroutine and registers a shutdown hook that
// asks it to close via CloseReactor and waits for it to drain.
func (f *Factory) spawn(r runner) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		r.Run(f.ctx)
	}()

	f.mu.Lock()
	f.closers = append(f.closers, func() {
		select {
		case r.Inbox() <- reactor.Incoming{CloseReactor: true}:
		case <-r.Done():
			return
		}
		<-r.Done()
	})
	f.mu.Unlock()
}

// ByteStreamWriter opens a blocking byte-stream writer bound to one
// segment and starts its segment-reactor (spec ch.4.1/4.3/4.4).
func (f *Factory) ByteStreamWriter(ctx context.Context, scope, stream string, segmentNumber int64) (*bytestream.Writer, error) {
	seg := segment.Scoped{Scope: scope, Stream: stream, Number: segmentNumber}
	w := writer.New(seg, f.controller, f.tokens, f.conns, f.cfg.RetryPolicy, f.logger)
	if err := w.Reconnect(ctx); err != nil {
		return nil, fmt.Errorf("connect byte-stream writer for %s: %w", seg, err)
	}

	r := reactor.NewSegmentReactor(w, f.logger)
	f.spawn(r)

	return bytestream.NewWriter(seg, r.Inbox(), f.controller), nil
}

// ByteStreamReader opens a blocking byte-stream reader bound to one
// segment (spec ch.4.5). It does not start a reactor; reads bypass the
// write path entirely.
func (f *Factory) ByteStreamReader(seg segment.Scoped) (*bytestream.Reader, error) {
	if f.newReader == nil {
		return nil, fmt.Errorf("byte-stream reads require an async segment reader; supply one via client.WithSegmentReader for connection type %q", f.cfg.ConnectionType)
	}
	return bytestream.NewReader(seg, f.newReader(seg), f.controller), nil
}

// EventStreamWriter opens a routing-key-addressed writer spanning every
// active segment of a stream, backed by a selector and stream-reactor
// (spec ch.4.2/4.3).
func (f *Factory) EventStreamWriter(ctx context.Context, scope, stream string) (*EventStreamWriter, error) {
	sel := selector.New(scope, stream, f.controller, f.tokens, f.conns, f.cfg.RetryPolicy, f.logger)

	ranges, err := f.controller.GetCurrentSegments(ctx, scope, stream)
	if err != nil {
		return nil, fmt.Errorf("fetch current segments for %s/%s: %w", scope, stream, err)
	}
	sel.Seed(ranges)

	r := reactor.NewStreamReactor(sel, f.logger)
	f.spawn(r)

	return newEventStreamWriter(r.Inbox()), nil
}

// ReaderGroup opens a handle to a reader group's coordination state,
// backed by a table synchronizer bound to the group's own table segment
// (spec ch.4.6/4.7). The table segment name follows the original client's
// convention of deriving it from the group name rather than requiring the
// caller to name it separately.
func (f *Factory) ReaderGroup(ctx context.Context, scope, groupName string) (*readergroup.State, error) {
	tableSeg := segment.Scoped{Scope: scope, Stream: "_RGstream-" + groupName, Number: 0}

	endpoint, err := f.controller.GetEndpointForSegment(ctx, tableSeg)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint for reader group %s table segment: %w", groupName, err)
	}
	res, err := f.conns.Acquire(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for reader group %s table segment: %w", groupName, err)
	}

	f.mu.Lock()
	f.closers = append(f.closers, func() { res.Release() })
	f.mu.Unlock()

	sync := tablesync.New(tableSeg.String(), res.Value())
	return readergroup.New(sync), nil
}

// Close asks every reactor the factory spawned to close (draining
// in-flight appends first), waits for them to terminate, releases
// reader-group connections, then shuts down the connection pool.
func (f *Factory) Close() {
	f.mu.Lock()
	closers := f.closers
	f.closers = nil
	f.mu.Unlock()

	for _, closeFn := range closers {
		closeFn()
	}
	f.wg.Wait()
	f.cancel()
	f.conns.CloseAll()
}
