// Package processor is the ingestion pipeline: it validates knowledge
// packets, decides which brains each packet touches, and applies the
// fragments in parallel. A bounded queue and a worker pool decouple
// extractor output from storage latency.
package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nancy/internal/brain"
	"nancy/internal/logging"
	"nancy/internal/packet"
)

// Status of one packet's ingestion.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// IngestResult reports which brains accepted a packet.
type IngestResult struct {
	PacketID string            `json:"packet_id"`
	DocID    string            `json:"doc_id"`
	Status   string            `json:"status"`
	Applied  []brain.Kind      `json:"applied,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"` // brain -> message
}

// Options configures the processor.
type Options struct {
	QueueSize int
	Workers   int
	// ExtractStories enables linguistic story extraction during ingestion.
	ExtractStories bool
}

type job struct {
	pkt  *packet.KnowledgePacket
	done chan IngestResult
}

// Processor validates and applies packets to the storage brains.
type Processor struct {
	vector     brain.VectorStore
	analytical brain.AnalyticalStore
	graph      brain.GraphStore
	linguistic brain.LinguisticModel // optional; nil disables story extraction

	opts    Options
	queue   chan job
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
	cancel  context.CancelFunc
}

// New creates a processor over the given brains. linguistic may be nil; story
// extraction is skipped without it.
func New(vector brain.VectorStore, analytical brain.AnalyticalStore, graph brain.GraphStore, linguistic brain.LinguisticModel, opts Options) *Processor {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Processor{
		vector:     vector,
		analytical: analytical,
		graph:      graph,
		linguistic: linguistic,
		opts:       opts,
		queue:      make(chan job, opts.QueueSize),
	}
}

// Start launches the worker pool.
func (p *Processor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	logging.Get(logging.CategoryPacket).Info("Processor started: workers=%d queue=%d", p.opts.Workers, p.opts.QueueSize)
}

// Stop drains the queue and waits for in-flight packets.
func (p *Processor) Stop() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.closeMu.Unlock()

	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	logging.Get(logging.CategoryPacket).Info("Processor stopped")
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logging.Get(logging.CategoryPacket).Debug("Ingest worker %d started", id)
	for j := range p.queue {
		queueDepth.Set(float64(len(p.queue)))
		result := p.Process(ctx, j.pkt)
		if j.done != nil {
			j.done <- result
		}
	}
}

// Enqueue submits a packet for asynchronous processing. A full queue blocks
// the producer; ctx bounds the wait.
func (p *Processor) Enqueue(ctx context.Context, pkt *packet.KnowledgePacket) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return fmt.Errorf("processor is stopped")
	}
	select {
	case p.queue <- job{pkt: pkt}:
		queueDepth.Set(float64(len(p.queue)))
		return nil
	case <-ctx.Done():
		logging.Get(logging.CategoryPacket).Warn("Enqueue of packet %s gave up: %v", pkt.PacketID, ctx.Err())
		return ctx.Err()
	}
}

// Process validates and applies one packet synchronously.
func (p *Processor) Process(ctx context.Context, pkt *packet.KnowledgePacket) IngestResult {
	timer := logging.StartTimer(logging.CategoryPacket, "Process")
	start := time.Now()
	defer func() {
		ingestDuration.Observe(time.Since(start).Seconds())
		timer.StopWithThreshold(30 * time.Second)
	}()

	if verr := packet.Validate(pkt); verr != nil {
		logging.Get(logging.CategoryPacket).Warn("Packet rejected: %v", verr)
		ingestPackets.WithLabelValues(StatusFailed).Inc()
		return IngestResult{
			PacketID: pktID(pkt),
			Status:   StatusFailed,
			Errors:   map[string]string{"validation": verr.Error()},
		}
	}

	docID := DocID(pkt)
	targets := Route(pkt)

	result := IngestResult{
		PacketID: pkt.PacketID,
		DocID:    docID,
		Errors:   map[string]string{},
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	apply := func(kind brain.Kind, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(gctx); err != nil {
				brainFailures.WithLabelValues(string(kind)).Inc()
				logging.Get(logging.CategoryPacket).Error("Packet %s: %s apply failed: %v", pkt.PacketID, kind, err)
				mu.Lock()
				result.Errors[string(kind)] = err.Error()
				mu.Unlock()
				return nil // a single-brain failure must not cancel the siblings
			}
			mu.Lock()
			result.Applied = append(result.Applied, kind)
			mu.Unlock()
			return nil
		})
	}

	for _, kind := range targets {
		switch kind {
		case brain.KindVector:
			apply(brain.KindVector, func(ctx context.Context) error { return p.applyVector(ctx, docID, pkt) })
		case brain.KindAnalytical:
			apply(brain.KindAnalytical, func(ctx context.Context) error { return p.applyAnalytical(ctx, docID, pkt) })
		case brain.KindGraph:
			apply(brain.KindGraph, func(ctx context.Context) error { return p.applyGraph(ctx, docID, pkt) })
		}
	}

	g.Wait()

	switch {
	case len(result.Errors) == 0:
		result.Status = StatusCompleted
	case len(result.Applied) > 0:
		result.Status = StatusPartial
	default:
		result.Status = StatusFailed
	}
	ingestPackets.WithLabelValues(result.Status).Inc()

	logging.Get(logging.CategoryPacket).Info("Packet %s: %s (applied=%v)", pkt.PacketID, result.Status, result.Applied)
	return result
}

func pktID(pkt *packet.KnowledgePacket) string {
	if pkt == nil {
		return ""
	}
	return pkt.PacketID
}

// Route decides which brains a packet touches. The priority_brain hint wins
// when explicit; otherwise every populated fragment routes. The analytical
// brain always participates so that minimal document metadata is never lost.
func Route(pkt *packet.KnowledgePacket) []brain.Kind {
	hint := ""
	if pkt.ProcessingHints != nil {
		hint = pkt.ProcessingHints.PriorityBrain
	}

	switch hint {
	case packet.PriorityVector:
		if pkt.HasVectorData() {
			return []brain.Kind{brain.KindVector, brain.KindAnalytical}
		}
	case packet.PriorityAnalytical:
		return []brain.Kind{brain.KindAnalytical}
	case packet.PriorityGraph:
		if pkt.HasGraphData() {
			return []brain.Kind{brain.KindGraph, brain.KindAnalytical}
		}
	}

	targets := []brain.Kind{brain.KindAnalytical}
	if pkt.HasVectorData() {
		targets = append(targets, brain.KindVector)
	}
	if pkt.HasGraphData() {
		targets = append(targets, brain.KindGraph)
	}
	return targets
}

// DocID resolves the document identity a packet belongs to. Extractors may
// pin it via metadata.extra["doc_id"]; otherwise it derives from the source
// location so re-ingesting the same file replaces rather than duplicates.
func DocID(pkt *packet.KnowledgePacket) string {
	if id, ok := pkt.Metadata.Extra["doc_id"]; ok && id != "" {
		return id
	}
	h := sha256.Sum256([]byte(pkt.Source.OriginalLocation))
	return hex.EncodeToString(h[:])[:32]
}

func (p *Processor) applyVector(ctx context.Context, docID string, pkt *packet.KnowledgePacket) error {
	if p.vector == nil {
		return fmt.Errorf("vector brain not configured")
	}
	vd := pkt.Content.VectorData
	if vd == nil {
		return nil
	}
	meta := documentMetadata(pkt)
	return p.vector.Upsert(ctx, docID, vd.Chunks, meta)
}

func (p *Processor) applyAnalytical(ctx context.Context, docID string, pkt *packet.KnowledgePacket) error {
	if p.analytical == nil {
		return fmt.Errorf("analytical brain not configured")
	}

	filename := filepath.Base(pkt.Source.OriginalLocation)
	meta := documentMetadata(pkt)
	if ad := pkt.Content.AnalyticalData; ad != nil {
		for k, v := range ad.StructuredFields {
			meta[k] = v
		}
		for k, v := range ad.Statistics {
			meta["stat_"+k] = v
		}
	}

	if err := p.analytical.UpsertDocumentMetadata(ctx, docID, filename, pkt.Metadata.FileSize, fileType(pkt), meta); err != nil {
		return err
	}

	if ad := pkt.Content.AnalyticalData; ad != nil {
		for _, tbl := range ad.TableData {
			if err := p.analytical.RegisterTable(ctx, docID, tbl.Name, tbl.Columns, tbl.Rows); err != nil {
				return fmt.Errorf("table %s: %w", tbl.Name, err)
			}
		}
	}
	return nil
}

func (p *Processor) applyGraph(ctx context.Context, docID string, pkt *packet.KnowledgePacket) error {
	if p.graph == nil {
		return fmt.Errorf("graph brain not configured")
	}

	docName := filepath.Base(pkt.Source.OriginalLocation)
	if err := p.graph.UpsertNode(ctx, brain.NodeDocument, docName, map[string]interface{}{
		"doc_id": docID,
	}); err != nil {
		return err
	}
	if pkt.Metadata.Author != "" {
		if err := p.graph.UpsertNode(ctx, brain.NodePerson, pkt.Metadata.Author, nil); err != nil {
			return err
		}
		if err := p.graph.UpsertEdge(ctx,
			brain.NodeRef{Label: brain.NodePerson, Name: pkt.Metadata.Author},
			brain.EdgeAuthored,
			brain.NodeRef{Label: brain.NodeDocument, Name: docName}, nil); err != nil {
			return err
		}
	}

	gd := pkt.Content.GraphData
	if gd != nil {
		for _, e := range gd.Entities {
			props := e.Properties
			if e.Confidence > 0 {
				if props == nil {
					props = map[string]interface{}{}
				}
				props["confidence"] = e.Confidence
			}
			if err := p.graph.UpsertNode(ctx, e.Type, e.Name, props); err != nil {
				return err
			}
		}
		for _, r := range gd.Relationships {
			err := p.graph.UpsertEdge(ctx,
				brain.NodeRef{Label: r.Source.Type, Name: r.Source.Name},
				r.Relationship,
				brain.NodeRef{Label: r.Target.Type, Name: r.Target.Name},
				r.Properties)
			if err != nil {
				return err
			}
		}
	}

	if p.opts.ExtractStories && p.linguistic != nil && pkt.HasVectorData() {
		if err := p.extractStory(ctx, docName, pkt); err != nil {
			// Story extraction enriches the graph; its failure does not void
			// the entity and relationship writes above.
			logging.Get(logging.CategoryGraph).Warn("Story extraction for %s skipped: %v", docName, err)
		}
	}
	return nil
}

// extractStory runs linguistic narrative extraction over the packet's chunk
// text and persists the findings as graph structure.
func (p *Processor) extractStory(ctx context.Context, docName string, pkt *packet.KnowledgePacket) error {
	var texts []string
	for _, c := range pkt.Content.VectorData.Chunks {
		texts = append(texts, c.Text)
	}
	elements, err := p.linguistic.ExtractStory(ctx, strings.Join(texts, "\n\n"), docName)
	if err != nil {
		return err
	}
	return p.applyStory(ctx, docName, elements)
}

func (p *Processor) applyStory(ctx context.Context, docName string, elements brain.StoryElements) error {
	docRef := brain.NodeRef{Label: brain.NodeDocument, Name: docName}

	for _, d := range elements.Decisions {
		props := map[string]interface{}{}
		if d.Context != "" {
			props["context"] = d.Context
		}
		if err := p.graph.UpsertNode(ctx, brain.NodeDecision, d.Name, props); err != nil {
			return err
		}
		decRef := brain.NodeRef{Label: brain.NodeDecision, Name: d.Name}
		if err := p.graph.UpsertEdge(ctx, decRef, brain.EdgeMentionedIn, docRef, nil); err != nil {
			return err
		}
		if d.Maker != "" {
			if err := p.graph.UpsertEdge(ctx, brain.NodeRef{Label: brain.NodePerson, Name: d.Maker}, brain.EdgeDecisionMade, decRef, nil); err != nil {
				return err
			}
		}
		if d.Era != "" {
			if err := p.graph.UpsertEdge(ctx, decRef, brain.EdgeCreatedIn, brain.NodeRef{Label: brain.NodeEra, Name: d.Era}, nil); err != nil {
				return err
			}
		}
		for _, target := range d.Affects {
			if err := p.graph.UpsertEdge(ctx, decRef, brain.EdgeAffects, brain.NodeRef{Label: brain.NodeDecisionTarget, Name: target}, nil); err != nil {
				return err
			}
		}
	}

	for _, m := range elements.Meetings {
		if err := p.graph.UpsertNode(ctx, brain.NodeMeeting, m.Name, nil); err != nil {
			return err
		}
		meetRef := brain.NodeRef{Label: brain.NodeMeeting, Name: m.Name}
		for _, attendee := range m.Attendees {
			if err := p.graph.UpsertEdge(ctx, brain.NodeRef{Label: brain.NodePerson, Name: attendee}, brain.EdgeAttended, meetRef, nil); err != nil {
				return err
			}
		}
		for _, topic := range m.Topics {
			if err := p.graph.UpsertEdge(ctx, meetRef, brain.EdgeDiscusses, brain.NodeRef{Label: brain.NodeConcept, Name: topic}, nil); err != nil {
				return err
			}
		}
	}

	for _, f := range elements.Features {
		if err := p.graph.UpsertNode(ctx, brain.NodeFeature, f.Name, nil); err != nil {
			return err
		}
		if f.Owner != "" {
			if err := p.graph.UpsertEdge(ctx, brain.NodeRef{Label: brain.NodePerson, Name: f.Owner}, brain.EdgeDiscusses, brain.NodeRef{Label: brain.NodeFeature, Name: f.Name}, nil); err != nil {
				return err
			}
		}
	}

	for _, e := range elements.Eras {
		props := map[string]interface{}{}
		if e.Span != "" {
			props["span"] = e.Span
		}
		if err := p.graph.UpsertNode(ctx, brain.NodeEra, e.Name, props); err != nil {
			return err
		}
	}

	for _, c := range elements.Collaborations {
		props := map[string]interface{}{}
		if c.Topic != "" {
			props["topic"] = c.Topic
		}
		err := p.graph.UpsertEdge(ctx,
			brain.NodeRef{Label: brain.NodePerson, Name: c.PersonA},
			brain.EdgeCollaboratesWith,
			brain.NodeRef{Label: brain.NodePerson, Name: c.PersonB}, props)
		if err != nil {
			return err
		}
	}
	return nil
}

func documentMetadata(pkt *packet.KnowledgePacket) map[string]interface{} {
	meta := map[string]interface{}{
		"content_type": pkt.Source.ContentType,
		"extractor":    pkt.Source.ExtractorName,
	}
	if pkt.Metadata.Title != "" {
		meta["title"] = pkt.Metadata.Title
	}
	if pkt.Metadata.Author != "" {
		meta["author"] = pkt.Metadata.Author
	}
	for k, v := range pkt.Metadata.Extra {
		if k == "doc_id" {
			continue
		}
		meta[k] = v
	}
	return meta
}

func fileType(pkt *packet.KnowledgePacket) string {
	ext := strings.TrimPrefix(filepath.Ext(pkt.Source.OriginalLocation), ".")
	if ext == "" {
		return pkt.Source.ContentType
	}
	return strings.ToLower(ext)
}
