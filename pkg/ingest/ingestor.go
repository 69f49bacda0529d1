// Package ingest streams G-code from a byte source into the command store.
//
// Input is read in bounded chunks, each handled as soon as the source
// returns it; a trailing partial line is carried into the next chunk, so
// the whole program is never held as one buffer. Each
// chunk's command lines are declared to the store before they are parsed,
// which keeps Total() a stable, monotonic denominator while streaming.
package ingest

import (
	"bytes"
	"context"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"gcode-sim/pkg/errors"
	"gcode-sim/pkg/gcode"
	"gcode-sim/pkg/log"
	"gcode-sim/pkg/metrics"
	"gcode-sim/pkg/pool"
	"gcode-sim/pkg/store"
)

// Defaults for Options.
const (
	DefaultChunkSize          = 64 << 10
	DefaultParseBatch         = 1000
	DefaultPressureCheckEvery = 16
	DefaultBackoff            = 10 * time.Millisecond
	DefaultMaxLineLength      = 64 << 10
)

// Progress is reported once per chunk and at end of stream.
type Progress struct {
	Bytes    int64
	Size     int64 // <= 0 when unknown
	Percent  float64
	Lines    int
	Commands int
	Done     bool
}

// Options tune an Ingestor. Zero values take the defaults.
type Options struct {
	ChunkSize  int
	ParseBatch int
	// MaxLineLength bounds the carry-over buffer. Longer lines are dropped.
	MaxLineLength int

	// MemoryThreshold is the heap size in bytes above which the ingestor
	// asks for cleanup and backs off. Zero disables the check.
	MemoryThreshold    uint64
	PressureCheckEvery int
	Backoff            time.Duration

	// SourceName labels errors and logs.
	SourceName string

	// Yield runs between chunks. Defaults to runtime.Gosched.
	Yield func()
	// OnProgress fires after every chunk.
	OnProgress func(Progress)
	// OnPressure fires when the heap is over MemoryThreshold.
	OnPressure func()
	// HeapInUse samples the heap. Defaults to runtime.MemStats.HeapAlloc.
	HeapInUse func() uint64

	Metrics *metrics.SimMetrics
	Logger  *log.Logger
}

func (o *Options) applyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ParseBatch <= 0 {
		o.ParseBatch = DefaultParseBatch
	}
	if o.MaxLineLength <= 0 {
		o.MaxLineLength = DefaultMaxLineLength
	}
	if o.PressureCheckEvery <= 0 {
		o.PressureCheckEvery = DefaultPressureCheckEvery
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.SourceName == "" {
		o.SourceName = "source"
	}
	if o.Yield == nil {
		o.Yield = runtime.Gosched
	}
	if o.HeapInUse == nil {
		o.HeapInUse = heapAlloc
	}
	if o.Logger == nil {
		o.Logger = log.GetLogger("ingest")
	}
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// lineSpan locates one line inside the block being processed.
type lineSpan struct {
	start, end int
	kind       gcode.LineKind
}

// Ingestor feeds one store. Run may be called again after the store is
// cleared; it is not safe to run two streams at once.
type Ingestor struct {
	store  *store.Store
	opts   Options
	chunks *pool.ChunkPool

	spans  []lineSpan
	lineNo int
	// overlong is set while skipping the rest of a line past MaxLineLength.
	overlong bool

	size     atomic.Int64
	consumed atomic.Int64
	lines    atomic.Int64
	commands atomic.Int64
	done     atomic.Bool

	dropped [4]int
}

// New creates an ingestor appending to st.
func New(st *store.Store, opts Options) *Ingestor {
	opts.applyDefaults()
	return &Ingestor{
		store:  st,
		opts:   opts,
		chunks: pool.NewChunkPool(opts.ChunkSize),
	}
}

// Progress returns load progress in [0, 100].
func (in *Ingestor) Progress() float64 {
	return in.progress().Percent
}

func (in *Ingestor) progress() Progress {
	p := Progress{
		Bytes:    in.consumed.Load(),
		Size:     in.size.Load(),
		Lines:    int(in.lines.Load()),
		Commands: int(in.commands.Load()),
		Done:     in.done.Load(),
	}
	switch {
	case p.Done:
		p.Percent = 100
	case p.Size > 0:
		p.Percent = 100 * float64(p.Bytes) / float64(p.Size)
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	return p
}

// Run reads r to EOF. size is the expected byte count, or <= 0 if unknown.
// The store is marked finished however Run returns, so playback never
// waits on a dead stream. Commands appended before a failure stay valid.
func (in *Ingestor) Run(ctx context.Context, r io.Reader, size int64) (err error) {
	start := time.Now()
	in.reset(size)
	in.store.Begin()

	logger := in.opts.Logger.WithField("source", in.opts.SourceName)
	logger.WithField("size", size).Info("ingestion started")

	defer func() {
		in.store.Finish()
		in.done.Store(true)
		if in.opts.OnProgress != nil {
			in.opts.OnProgress(in.progress())
		}
		in.opts.Metrics.RecordChunk(0, 0, 0, 100)
		in.opts.Metrics.RecordIngestDone(time.Since(start), err)
		if err != nil {
			logger.WithError(err).Error("ingestion stopped")
			return
		}
		logger.WithFields(log.Fields{
			"lines":    in.lines.Load(),
			"commands": in.commands.Load(),
			"elapsed":  time.Since(start).String(),
		}).Info("ingestion finished")
	}()

	chunk := in.chunks.Get()
	defer in.chunks.Put(chunk)
	carry := pool.GetByteBuffer()
	defer pool.PutByteBuffer(carry)

	for n := 1; ; n++ {
		if cerr := ctx.Err(); cerr != nil {
			return errors.CancelledError("ingestion", cerr)
		}

		read, rerr := r.Read(*chunk)
		if read > 0 {
			in.consumed.Add(int64(read))
			if perr := in.consume((*chunk)[:read], carry); perr != nil {
				return perr
			}
		}

		if rerr == io.EOF {
			if in.overlong {
				in.endOverlong()
			}
			if carry.Len() > 0 {
				if perr := in.processBlock(carry.Bytes()); perr != nil {
					return perr
				}
				carry.Reset()
			}
			in.flushDropped()
			return nil
		}
		if rerr != nil {
			if cerr := ctx.Err(); cerr != nil {
				return errors.CancelledError("ingestion", cerr)
			}
			return errors.IngestionError(in.opts.SourceName, rerr)
		}

		if in.opts.OnProgress != nil {
			in.opts.OnProgress(in.progress())
		}
		if n%in.opts.PressureCheckEvery == 0 {
			if perr := in.checkPressure(ctx); perr != nil {
				return perr
			}
		}
		in.opts.Yield()
	}
}

func (in *Ingestor) reset(size int64) {
	in.size.Store(size)
	in.consumed.Store(0)
	in.lines.Store(0)
	in.commands.Store(0)
	in.done.Store(false)
	in.lineNo = 0
	in.overlong = false
	in.dropped = [4]int{}
}

// consume processes every complete line in data and carries the rest.
func (in *Ingestor) consume(data []byte, carry *pool.ByteBuffer) error {
	if in.overlong {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return nil
		}
		in.endOverlong()
		data = data[i+1:]
	}

	last := bytes.LastIndexByte(data, '\n')
	if last >= 0 {
		block := data[:last+1]
		if carry.Len() > 0 {
			carry.Write(block)
			block = carry.Bytes()
		}
		if err := in.processBlock(block); err != nil {
			return err
		}
		carry.Reset()
		data = data[last+1:]
	}

	if carry.Len()+len(data) > in.opts.MaxLineLength {
		in.startOverlong(carry)
		return nil
	}
	carry.Write(data)
	return nil
}

func (in *Ingestor) startOverlong(carry *pool.ByteBuffer) {
	in.overlong = true
	carry.Reset()
	in.opts.Logger.WithError(errors.ParseError(in.lineNo+1, "line too long")).
		WithField("max", in.opts.MaxLineLength).Warn("dropping line")
}

// endOverlong accounts the skipped line once its terminator is seen.
func (in *Ingestor) endOverlong() {
	in.overlong = false
	in.lineNo++
	in.lines.Add(1)
	in.dropped[gcode.KindUnknown]++
}

// processBlock declares the block's command lines, then parses and appends
// them in batches.
func (in *Ingestor) processBlock(block []byte) error {
	in.spans = in.spans[:0]
	declared := 0
	for start := 0; start < len(block); {
		end := bytes.IndexByte(block[start:], '\n')
		next := len(block)
		if end >= 0 {
			end += start
			next = end + 1
		} else {
			end = len(block)
		}
		line := block[start:end]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			end--
		}
		kind := gcode.Classify(block[start:end])
		if kind == gcode.KindCommand {
			declared++
		} else {
			in.dropped[kind]++
		}
		in.spans = append(in.spans, lineSpan{start: start, end: end, kind: kind})
		start = next
	}
	in.store.Declare(declared)

	batch := pool.GetCommandSlice()
	defer pool.PutCommandSlice(batch)

	appended := 0
	for _, sp := range in.spans {
		in.lineNo++
		if sp.kind != gcode.KindCommand {
			continue
		}
		cmd, ok := gcode.Parse(string(block[sp.start:sp.end]), in.lineNo)
		if !ok {
			continue
		}
		*batch = append(*batch, cmd)
		if len(*batch) >= in.opts.ParseBatch {
			if err := in.store.Append(*batch); err != nil {
				return err
			}
			appended += len(*batch)
			*batch = (*batch)[:0]
		}
	}
	if len(*batch) > 0 {
		if err := in.store.Append(*batch); err != nil {
			return err
		}
		appended += len(*batch)
	}

	in.lines.Add(int64(len(in.spans)))
	in.commands.Add(int64(appended))
	in.opts.Metrics.RecordChunk(len(block), len(in.spans), appended, in.progress().Percent)
	return nil
}

func (in *Ingestor) flushDropped() {
	for kind, n := range in.dropped {
		in.opts.Metrics.RecordDropped(gcode.LineKind(kind).String(), n)
	}
	in.dropped = [4]int{}
}

// checkPressure samples the heap and, when over threshold, asks the owner
// to release memory and backs off before the next chunk.
func (in *Ingestor) checkPressure(ctx context.Context) error {
	in.flushDropped()
	if in.opts.MemoryThreshold == 0 {
		return nil
	}
	heap := in.opts.HeapInUse()
	if heap <= in.opts.MemoryThreshold {
		return nil
	}

	in.opts.Logger.WithFields(log.Fields{
		"heap":      heap,
		"threshold": in.opts.MemoryThreshold,
	}).Warn("memory pressure, backing off")
	in.opts.Metrics.RecordPressure()
	if in.opts.OnPressure != nil {
		in.opts.OnPressure()
	}
	runtime.GC()

	t := time.NewTimer(in.opts.Backoff)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errors.CancelledError("ingestion", ctx.Err())
	}
}

// Stats returns the counters of the current or last run.
func (in *Ingestor) Stats() Progress {
	return in.progress()
}
