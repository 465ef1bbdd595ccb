package sync

import (
	"context"
	"fmt"

	"github.com/lif-app/lifsync/internal/rest"
	"github.com/lif-app/lifsync/internal/store"
)

// PageResult reports the outcome of one history page load.
type PageResult struct {
	// Loaded is the number of messages ingested from the page.
	Loaded int
	// EndOfHistory is set when the backend returned a short page: there is
	// nothing older to fetch. The convention is held invariant: a follow-on
	// request past the last page yields an empty page and EndOfHistory again.
	EndOfHistory bool
}

// LoadPage fetches the next page of history for a conversation and merges it
// into the store. Page 1 anchors at the newest messages; each call walks one
// page further into the past.
//
// A load captured before the open conversation switched is discarded when its
// response lands: a late page for an abandoned conversation must not mutate
// state for the now-active one.
func (e *Engine) LoadPage(ctx context.Context, matchID string) (*PageResult, error) {
	e.mu.Lock()
	gen := e.generation
	page := e.nextPage[matchID]
	if page == 0 {
		page = 1
	}
	if e.atHistoryEnd[matchID] {
		e.mu.Unlock()
		return &PageResult{EndOfHistory: true}, nil
	}
	e.mu.Unlock()

	msgs, err := e.api.ListMessages(ctx, matchID, page, e.opts.PageSize)
	if err != nil {
		return nil, err
	}

	if e.staleGeneration(gen) {
		return &PageResult{}, nil
	}

	if err := e.ingestPage(matchID, msgs); err != nil {
		return nil, err
	}

	end := len(msgs) < e.opts.PageSize
	e.mu.Lock()
	// Only advance if nobody reset the pager while we were ingesting.
	if e.generation == gen {
		e.nextPage[matchID] = page + 1
		e.atHistoryEnd[matchID] = end
	}
	e.mu.Unlock()

	e.publish("conversation.page_loaded", map[string]any{"match_id": matchID, "count": len(msgs)})
	return &PageResult{Loaded: len(msgs), EndOfHistory: end}, nil
}

// staleGeneration reports whether the open conversation changed since the
// load started.
func (e *Engine) staleGeneration(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation != gen
}

// ingestPage merges one REST page into the store. Upserts are idempotent and
// tombstone-aware, so pages may interleave with live events in any order.
func (e *Engine) ingestPage(matchID string, msgs []rest.Message) error {
	for i := range msgs {
		m := &msgs[i]
		if _, err := e.db.UpsertMessage(&store.Message{
			MatchID:   matchID,
			MsgID:     m.ID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			IsImage:   m.IsImage,
			IsRead:    m.IsRead,
			CreatedAt: m.CreatedAt,
		}); err != nil {
			return fmt.Errorf("ingest page message %s: %w", m.ID, err)
		}
	}
	return nil
}
