package registry

import (
	"context"
	"encoding/json"
	"time"

	"portability/internal/domain"
	"portability/internal/repo"
)

// Document is the serializable dump of everything held about an owner.
type Document map[string]any

// Registry produces the export document for an owner.
type Registry interface {
	DataDump(ctx context.Context, owner domain.Owner) (Document, error)
}

// Func adapts a function to Registry.
type Func func(ctx context.Context, owner domain.Owner) (Document, error)

func (f Func) DataDump(ctx context.Context, owner domain.Owner) (Document, error) {
	return f(ctx, owner)
}

// Source contributes one named section of the document.
type Source interface {
	Name() string
	Dump(ctx context.Context, owner domain.Owner) (any, error)
}

// Store is the default registry: the owner reference plus every section
// contributed by its sources. A failing source fails the whole dump.
type Store struct {
	Sources []Source
	Now     func() time.Time
}

func New(sources ...Source) *Store {
	return &Store{Sources: sources, Now: time.Now}
}

func (s *Store) DataDump(ctx context.Context, owner domain.Owner) (Document, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	doc := Document{
		"owner":        owner,
		"generated_at": now().UTC().Format(time.RFC3339),
	}
	for _, src := range s.Sources {
		section, err := src.Dump(ctx, owner)
		if err != nil {
			return nil, &SourceError{Source: src.Name(), Err: err}
		}
		doc[src.Name()] = section
	}
	return doc, nil
}

type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string { return "registry source " + e.Source + ": " + e.Err.Error() }
func (e *SourceError) Unwrap() error { return e.Err }

// Requests dumps the owner's portability requests with their event history.
type Requests struct {
	Repo repo.Repo
}

func (Requests) Name() string { return "portability_requests" }

type requestSection struct {
	domain.Request
	Events []eventEntry `json:"events"`
}

type eventEntry struct {
	TS      string          `json:"ts"`
	Type    string          `json:"type"`
	ActorID string          `json:"actor_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s Requests) Dump(ctx context.Context, owner domain.Owner) (any, error) {
	reqs, err := s.Repo.ListRequests(ctx, repo.RequestFilters{OwnerType: owner.Type, OwnerID: owner.ID})
	if err != nil {
		return nil, err
	}
	out := make([]requestSection, 0, len(reqs))
	for _, r := range reqs {
		evts, err := s.Repo.ListEvents(ctx, r.ID, 0)
		if err != nil {
			return nil, err
		}
		section := requestSection{Request: r, Events: make([]eventEntry, 0, len(evts))}
		for _, e := range evts {
			entry := eventEntry{TS: e.TS, Type: e.Type, ActorID: e.ActorID}
			if json.Valid([]byte(e.Payload)) {
				entry.Payload = json.RawMessage(e.Payload)
			}
			section.Events = append(section.Events, entry)
		}
		out = append(out, section)
	}
	return out, nil
}

// Static serves a fixed section, e.g. profile data supplied by the embedding application.
type Static struct {
	Section string
	Data    func(owner domain.Owner) any
}

func (s Static) Name() string { return s.Section }

func (s Static) Dump(_ context.Context, owner domain.Owner) (any, error) {
	if s.Data == nil {
		return nil, nil
	}
	return s.Data(owner), nil
}
