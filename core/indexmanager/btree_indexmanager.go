package indexmanager

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// BTreeOptions sizes the fixed-width slots of a string B+ tree index.
type BTreeOptions struct {
	KeyWidth        int
	ValueWidth      int
	LeafMaxSize     int
	InternalMaxSize int
}

// BTreeIndexManager serves string keys and values from a BPlusTree.
type BTreeIndexManager struct {
	// mu serializes writers, so no Delete runs between Put's Insert and Update.
	mu           sync.Mutex
	name         string
	headerPageID pagemanager.PageID
	tree         *btree.BPlusTree[string, string]
	opts         BTreeOptions
	tracer       trace.Tracer
	metrics      *internaltelemetry.IndexMetrics
	logger       *zap.Logger
}

// NewBTreeIndexManager builds an index over bpm. With headerPageID set to
// InvalidPageID a new header page and an empty tree are created; otherwise the tree
// already recorded under headerPageID is reopened.
func NewBTreeIndexManager(name string, bpm *memtable.BufferPoolManager, headerPageID pagemanager.PageID,
	opts BTreeOptions, tel *telemetry.Telemetry, logger *zap.Logger) (*BTreeIndexManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.KeyWidth <= 0 || opts.ValueWidth <= 0 {
		return nil, fmt.Errorf("key and value widths must be positive, got %d and %d", opts.KeyWidth, opts.ValueWidth)
	}
	if opts.ValueWidth > math.MaxUint16 {
		return nil, fmt.Errorf("value width %d exceeds %d", opts.ValueWidth, math.MaxUint16)
	}

	var meter metric.Meter = noop.NewMeterProvider().Meter("")
	var tracer trace.Tracer = nooptrace.NewTracerProvider().Tracer("")
	if tel != nil {
		meter, tracer = tel.Meter, tel.Tracer
	}
	metrics, err := internaltelemetry.NewIndexMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create index metrics: %w", err)
	}

	codec := btree.KeyValueCodec[string, string]{
		Key:   btree.FixedStringCodec{Width: opts.KeyWidth},
		Value: btree.BytesCodec{Width: opts.ValueWidth},
	}
	var tree *btree.BPlusTree[string, string]
	if headerPageID == pagemanager.InvalidPageID {
		headerPageID, err = btree.AllocateHeaderPage(bpm)
		if err != nil {
			return nil, err
		}
		tree, err = btree.NewBPlusTree(name, headerPageID, bpm, btree.DefaultKeyOrder[string], codec,
			opts.LeafMaxSize, opts.InternalMaxSize, logger)
	} else {
		tree, err = btree.OpenBPlusTree(name, headerPageID, bpm, btree.DefaultKeyOrder[string], codec,
			opts.LeafMaxSize, opts.InternalMaxSize, logger)
	}
	if err != nil {
		return nil, err
	}

	return &BTreeIndexManager{
		name:         name,
		headerPageID: headerPageID,
		tree:         tree,
		opts:         opts,
		tracer:       tracer,
		metrics:      metrics,
		logger:       logger.Named("index_manager").With(zap.String("index", name)),
	}, nil
}

func (m *BTreeIndexManager) Name() string { return "btree" }

// HeaderPageID is the page to pass back in to reopen this index.
func (m *BTreeIndexManager) HeaderPageID() pagemanager.PageID { return m.headerPageID }

// Tree exposes the underlying tree for diagnostics.
func (m *BTreeIndexManager) Tree() *btree.BPlusTree[string, string] { return m.tree }

func (m *BTreeIndexManager) checkKey(key string) error {
	if key == "" || strings.IndexByte(key, 0) >= 0 {
		return ErrInvalidKey
	}
	if len(key) > m.opts.KeyWidth {
		return fmt.Errorf("%w: %d > %d bytes", ErrKeyTooLong, len(key), m.opts.KeyWidth)
	}
	return nil
}

func (m *BTreeIndexManager) Put(ctx context.Context, key string, value []byte) (err error) {
	metricCtx, span, startTime := m.StartMetricsAndTrace(ctx, "Put")
	defer func() { m.EndMetricsAndTrace(metricCtx, span, startTime, "Put", err) }()

	if err := m.checkKey(key); err != nil {
		return err
	}
	if len(value) > m.opts.ValueWidth {
		return fmt.Errorf("%w: %d > %d bytes", ErrValueTooLong, len(value), m.opts.ValueWidth)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	inserted, err := m.tree.Insert(key, string(value))
	if err != nil || inserted {
		return err
	}
	// The key stays present throughout, so readers see either value.
	updated, err := m.tree.Update(key, string(value))
	if err != nil {
		return err
	}
	if !updated {
		return fmt.Errorf("%w: key %q vanished during replace", flushmanager.ErrTreeCorrupted, key)
	}
	m.logger.Debug("Replaced value", zap.String("key", key))
	return nil
}

func (m *BTreeIndexManager) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	metricCtx, span, startTime := m.StartMetricsAndTrace(ctx, "Get")
	defer func() { m.EndMetricsAndTrace(metricCtx, span, startTime, "Get", err) }()

	if err := m.checkKey(key); err != nil {
		return nil, false, err
	}
	values, found, err := m.tree.GetValue(key)
	if err != nil || !found {
		return nil, false, err
	}
	return []byte(values[0]), true, nil
}

func (m *BTreeIndexManager) Delete(ctx context.Context, key string) (err error) {
	metricCtx, span, startTime := m.StartMetricsAndTrace(ctx, "Delete")
	defer func() { m.EndMetricsAndTrace(metricCtx, span, startTime, "Delete", err) }()

	if err := m.checkKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Remove(key)
}

func (m *BTreeIndexManager) GetRange(ctx context.Context, startKey, endKey string, limit int32) (results []KeyValuePair, err error) {
	metricCtx, span, startTime := m.StartMetricsAndTrace(ctx, "GetRange")
	defer func() { m.EndMetricsAndTrace(metricCtx, span, startTime, "GetRange", err) }()

	var it *btree.Iterator[string, string]
	if startKey == "" || startKey == "*" {
		it, err = m.tree.Begin()
	} else {
		it, err = m.tree.BeginAt(startKey)
	}
	if err != nil {
		return nil, err
	}
	openEnd := endKey == "" || endKey == "*"
	for !it.IsEnd() {
		if !openEnd && it.Key() > endKey {
			break
		}
		if limit > 0 && int32(len(results)) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, KeyValuePair{Key: it.Key(), Value: []byte(it.Value())})
		if err := it.Next(); err != nil {
			return results, err
		}
	}
	return results, nil
}

// StartMetricsAndTrace begins the telemetry recording for an index operation.
// It returns a new context, the trace span, and the start time.
func (m *BTreeIndexManager) StartMetricsAndTrace(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("index.name", m.name),
		attribute.String("index.op", op),
	)
	m.metrics.ActiveOpsUpDownCounter.Add(ctx, 1, attrs)
	m.metrics.OpsStartedCounter.Add(ctx, 1, attrs)

	ctx, span := m.tracer.Start(ctx, "btree."+op, trace.WithAttributes(
		attribute.String("index.name", m.name),
		attribute.String("index.op", op),
	))
	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry recording for an index operation.
func (m *BTreeIndexManager) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, op string, err error) {
	latency := time.Since(startTime).Microseconds()

	statusCode := otelcodes.Ok
	if err != nil {
		statusCode = otelcodes.Error
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	m.metrics.ActiveOpsUpDownCounter.Add(ctx, -1, metric.WithAttributes(
		attribute.String("index.name", m.name),
		attribute.String("index.op", op),
	))

	metricAttributes := attribute.NewSet(
		attribute.String("index.name", m.name),
		attribute.String("index.op", op),
		attribute.String("index.code", statusCode.String()),
	)
	m.metrics.OpLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
	m.metrics.OpsHandledCounter.Add(ctx, 1, metric.WithAttributeSet(metricAttributes))
}
