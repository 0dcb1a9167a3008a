package audit

import (
	"context"
	"fmt"

	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
	"github.com/codeboltai/agentswarmprotocol-sub005/protocol"
	"github.com/codeboltai/agentswarmprotocol-sub005/router"
)

// ServiceName is the name the index is offered under to agents.
const ServiceName = "audit"

// Serve answers service.request calls for the audit service.
//
// Params: query (full-text), kind ("task" or "participant"), subject (a
// task or participant id), event (status), limit. With only subject set
// the result is that subject's full history, oldest first.
func (x *Index) Serve(ctx context.Context, call router.ServiceCall) (map[string]any, error) {
	q, err := parseQuery(call.Params)
	if err != nil {
		return nil, err
	}

	var (
		entries []Entry
		total   uint64
	)
	if q.Subject != "" && q.Text == "" && q.Kind == "" && q.Event == "" && q.Limit == 0 {
		entries, err = x.History(ctx, q.Subject)
		total = uint64(len(entries))
	} else {
		entries, total, err = x.Search(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	hits := make([]any, 0, len(entries))
	for _, e := range entries {
		hit := map[string]any{
			"id":      e.ID,
			"kind":    e.Kind,
			"subject": e.Subject,
			"event":   e.Event,
			"text":    e.Text,
			"time":    e.Time.UTC().Format(protocol.TimestampFormat),
		}
		if e.Actor != "" {
			hit["actor"] = e.Actor
		}
		if e.Score > 0 {
			hit["score"] = e.Score
		}
		hits = append(hits, hit)
	}
	return map[string]any{"total": total, "hits": hits}, nil
}

func parseQuery(params map[string]any) (Query, error) {
	var q Query
	for key, dst := range map[string]*string{"query": &q.Text, "kind": &q.Kind, "subject": &q.Subject, "event": &q.Event} {
		raw, ok := params[key]
		if !ok || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return q, swarmerr.InvalidInput(fmt.Sprintf("%s must be a string", key))
		}
		*dst = s
	}
	switch q.Kind {
	case "", KindTask, KindParticipant:
	default:
		return q, swarmerr.InvalidInput(fmt.Sprintf("unknown kind %q", q.Kind))
	}

	if raw, ok := params["limit"]; ok && raw != nil {
		switch n := raw.(type) {
		case float64:
			q.Limit = int(n)
		case int:
			q.Limit = n
		default:
			return q, swarmerr.InvalidInput("limit must be a number")
		}
		if q.Limit <= 0 {
			return q, swarmerr.InvalidInput("limit must be positive")
		}
	}
	return q, nil
}
