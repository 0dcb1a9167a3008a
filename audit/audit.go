// Package audit keeps a searchable history of task and participant
// lifecycle events.
package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"

	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
	"github.com/codeboltai/agentswarmprotocol-sub005/events"
	"github.com/codeboltai/agentswarmprotocol-sub005/logging"
)

// Entry kinds.
const (
	KindTask        = "task"
	KindParticipant = "participant"
)

// DefaultLimit caps searches that name no limit.
const DefaultLimit = 20

// MaxLimit caps every search.
const MaxLimit = 500

// Entry is one indexed lifecycle event.
type Entry struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"` // task or participant id
	Event   string    `json:"event"`   // status reached
	Actor   string    `json:"actor,omitempty"`
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
	Score   float64   `json:"score,omitempty"`
}

// Query selects entries. Empty fields match everything.
type Query struct {
	Text    string
	Kind    string
	Subject string
	Event   string
	Limit   int
}

// Index is an in-memory full-text index of lifecycle events.
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	logger *logging.Logger
	closed bool
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger used for indexing failures.
func WithLogger(l *logging.Logger) Option {
	return func(x *Index) {
		x.logger = l.WithComponent("audit")
	}
}

// NewIndex creates an empty in-memory index.
func NewIndex(opts ...Option) (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create audit index: %w", err)
	}
	x := &Index{index: idx, logger: logging.Discard()}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// buildIndexMapping analyzes the text field and keeps identifiers exact.
func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	kw := bleve.NewTextFieldMapping()
	kw.Analyzer = keyword.Name

	date := bleve.NewDateTimeFieldMapping()

	doc.AddFieldMappingsAt("text", text)
	doc.AddFieldMappingsAt("kind", kw)
	doc.AddFieldMappingsAt("subject", kw)
	doc.AddFieldMappingsAt("event", kw)
	doc.AddFieldMappingsAt("actor", kw)
	doc.AddFieldMappingsAt("time", date)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Attach indexes every event published on the given buses. The returned
// function detaches.
func (x *Index) Attach(taskEvents *events.Bus[events.TaskEvent], participantEvents *events.Bus[events.ParticipantEvent]) func() {
	var unsubs []func()
	if taskEvents != nil {
		unsubs = append(unsubs, taskEvents.Subscribe(func(ev events.TaskEvent) {
			if err := x.RecordTask(ev); err != nil {
				x.logger.Warn("audit index failed", map[string]interface{}{"task": ev.TaskID, "error": err.Error()})
			}
		}))
	}
	if participantEvents != nil {
		unsubs = append(unsubs, participantEvents.Subscribe(func(ev events.ParticipantEvent) {
			if err := x.RecordParticipant(ev); err != nil {
				x.logger.Warn("audit index failed", map[string]interface{}{"participant": ev.ParticipantID, "error": err.Error()})
			}
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// RecordTask indexes a task event.
func (x *Index) RecordTask(ev events.TaskEvent) error {
	var b strings.Builder
	fmt.Fprintf(&b, "task %s type %s %s", ev.TaskID, ev.TaskType, ev.Status)
	if ev.PreviousStatus != "" {
		fmt.Fprintf(&b, " from %s", ev.PreviousStatus)
	}
	if ev.AssigneeID != "" {
		fmt.Fprintf(&b, " assignee %s", ev.AssigneeID)
	}
	if ev.RequesterID != "" {
		fmt.Fprintf(&b, " requester %s", ev.RequesterID)
	}
	if ev.Note != "" {
		b.WriteString(" ")
		b.WriteString(ev.Note)
	}
	return x.record(Entry{
		Kind:    KindTask,
		Subject: ev.TaskID,
		Event:   ev.Status,
		Actor:   ev.ActorID,
		Text:    b.String(),
		Time:    ev.Time,
	})
}

// RecordParticipant indexes a participant event.
func (x *Index) RecordParticipant(ev events.ParticipantEvent) error {
	text := fmt.Sprintf("%s %s %s %s", ev.Role, ev.Name, ev.ParticipantID, ev.Status)
	if ev.Revived {
		text += " revived"
	}
	return x.record(Entry{
		Kind:    KindParticipant,
		Subject: ev.ParticipantID,
		Event:   ev.Status,
		Text:    text,
		Time:    ev.Time,
	})
}

func (x *Index) record(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.ID = uuid.New().String()

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return swarmerr.New(swarmerr.ErrCodeUnavailable, "audit index closed")
	}
	if err := x.index.Index(e.ID, e); err != nil {
		return fmt.Errorf("failed to index entry: %w", err)
	}
	return nil
}

// Search returns matching entries. Text queries are ranked by relevance;
// filter-only queries return the newest entries first.
func (x *Index) Search(ctx context.Context, q Query) ([]Entry, uint64, error) {
	if q.Limit < 0 {
		return nil, 0, swarmerr.InvalidInput("limit must not be negative")
	}
	limit := q.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	must := bleve.NewBooleanQuery()
	terms := 0
	if q.Text != "" {
		mq := bleve.NewMatchQuery(q.Text)
		mq.SetField("text")
		must.AddMust(mq)
		terms++
	}
	for field, value := range map[string]string{"kind": q.Kind, "subject": q.Subject, "event": q.Event} {
		if value == "" {
			continue
		}
		tq := bleve.NewTermQuery(value)
		tq.SetField(field)
		must.AddMust(tq)
		terms++
	}
	var search query.Query = must
	if terms == 0 {
		search = bleve.NewMatchAllQuery()
	}

	req := bleve.NewSearchRequest(search)
	req.Size = limit
	req.Fields = []string{"*"}
	if q.Text == "" {
		req.SortBy([]string{"-time", "_id"})
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, 0, swarmerr.New(swarmerr.ErrCodeUnavailable, "audit index closed")
	}
	res, err := x.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, 0, swarmerr.Wrap(err, "audit search failed")
	}

	out := make([]Entry, 0, len(res.Hits))
	for _, hit := range res.Hits {
		e := Entry{ID: hit.ID, Score: hit.Score}
		e.Kind, _ = hit.Fields["kind"].(string)
		e.Subject, _ = hit.Fields["subject"].(string)
		e.Event, _ = hit.Fields["event"].(string)
		e.Actor, _ = hit.Fields["actor"].(string)
		e.Text, _ = hit.Fields["text"].(string)
		if ts, ok := hit.Fields["time"].(string); ok {
			e.Time, _ = time.Parse(time.RFC3339Nano, ts)
		}
		if q.Text == "" {
			e.Score = 0
		}
		out = append(out, e)
	}
	return out, res.Total, nil
}

// History returns every entry for one task or participant, oldest first.
func (x *Index) History(ctx context.Context, subject string) ([]Entry, error) {
	if subject == "" {
		return nil, swarmerr.InvalidInput("subject is required")
	}
	entries, _, err := x.Search(ctx, Query{Subject: subject, Limit: MaxLimit})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})
	return entries, nil
}

// Len returns the number of indexed entries.
func (x *Index) Len() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return 0
	}
	n, err := x.index.DocCount()
	if err != nil {
		return 0
	}
	return n
}

// Close releases the index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	return x.index.Close()
}
