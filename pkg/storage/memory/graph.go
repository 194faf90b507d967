package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goclaw/tiermem/pkg/storage"
)

// Link implements storage.GraphStore. Re-linking the same pair is idempotent.
func (a *Adapter) Link(ctx context.Context, e storage.Edge) (err error) {
	defer func(start time.Time) { a.collector.Observe("link", start, err) }(time.Now())

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin("link"); err != nil {
		return err
	}
	if !storage.ValidIdent(e.Type) || !storage.ValidIdent(e.FromCollection) || !storage.ValidIdent(e.ToCollection) {
		return storage.Wrap(storage.BackendMemory, "link", storage.KindData,
			fmt.Errorf("invalid edge %s-[%s]->%s", e.FromCollection, e.Type, e.ToCollection))
	}
	for i, existing := range a.edges {
		if existing.FromCollection == e.FromCollection && existing.FromID == e.FromID &&
			existing.Type == e.Type && existing.ToCollection == e.ToCollection && existing.ToID == e.ToID {
			a.edges[i] = e
			return nil
		}
	}
	a.edges = append(a.edges, e)
	return nil
}

// RunTemplate implements storage.GraphStore.
func (a *Adapter) RunTemplate(ctx context.Context, name string, params map[string]any) (rows []map[string]any, err error) {
	defer func(start time.Time) { a.collector.Observe("template", start, err) }(time.Now())

	if err := storage.CheckTemplate(name, params); err != nil {
		return nil, storage.Wrap(storage.BackendMemory, "template", storage.KindQuery, err)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.begin("template"); err != nil {
		return nil, err
	}

	switch name {
	case storage.TemplateEpisodesByEntity:
		entity, _ := params["entity"].(string)
		ids := a.mentioningLocked(entity)
		return a.episodeRows(ids, storage.IntParam(params, "limit", 50)), nil

	case storage.TemplateEntitiesForEpisode:
		episodeID, _ := params["episode_id"].(string)
		for _, e := range a.mentionsLocked(episodeID) {
			row := map[string]any{"id": e}
			if rec := a.liveLocked(storage.LabelEntity, e); rec != nil {
				row["name"] = rec.Fields["name"]
				row["type"] = rec.Fields["type"]
			}
			rows = append(rows, row)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i]["id"].(string) < rows[j]["id"].(string) })
		return rows, nil

	case storage.TemplateEpisodesValidAt:
		at, _ := storage.Float(params["at"])
		session, _ := params["session_id"].(string)
		var ids []string
		now := a.now()
		for id, rec := range a.records[storage.LabelEpisode] {
			if rec.Expired(now) {
				continue
			}
			if session != "" && rec.Fields["session_id"] != session {
				continue
			}
			if validAt(rec, at) {
				ids = append(ids, id)
			}
		}
		return a.episodeRows(ids, storage.IntParam(params, "limit", 50)), nil

	case storage.TemplateRelatedEpisodes:
		episodeID, _ := params["episode_id"].(string)
		shared := make(map[string]int)
		for _, entity := range a.mentionsLocked(episodeID) {
			for _, other := range a.mentioningLocked(entity) {
				if other != episodeID {
					shared[other]++
				}
			}
		}
		for id, n := range shared {
			rows = append(rows, map[string]any{"id": id, "shared": float64(n)})
		}
		sort.Slice(rows, func(i, j int) bool {
			si, sj := rows[i]["shared"].(float64), rows[j]["shared"].(float64)
			if si != sj {
				return si > sj
			}
			return rows[i]["id"].(string) < rows[j]["id"].(string)
		})
		if limit := storage.IntParam(params, "limit", 10); len(rows) > limit {
			rows = rows[:limit]
		}
		return rows, nil
	}
	return nil, nil
}

// validAt applies the bi-temporal containment check. An absent valid_to
// means the interval is still open.
func validAt(rec *storage.Record, at float64) bool {
	from, ok := storage.Float(rec.Fields["fact_valid_from"])
	if !ok || from > at {
		return false
	}
	to, ok := storage.Float(rec.Fields["fact_valid_to"])
	return !ok || to == 0 || to >= at
}

func (a *Adapter) mentionsLocked(episodeID string) []string {
	var out []string
	for _, e := range a.edges {
		if e.Type == storage.RelMentions && e.FromCollection == storage.LabelEpisode && e.FromID == episodeID {
			out = append(out, e.ToID)
		}
	}
	return out
}

func (a *Adapter) mentioningLocked(entityID string) []string {
	var out []string
	for _, e := range a.edges {
		if e.Type == storage.RelMentions && e.ToCollection == storage.LabelEntity && e.ToID == entityID {
			out = append(out, e.FromID)
		}
	}
	return out
}

// episodeRows orders ids by episode start time, newest first.
func (a *Adapter) episodeRows(ids []string, limit int) []map[string]any {
	recs := make([]*storage.Record, 0, len(ids))
	for _, id := range ids {
		if rec := a.liveLocked(storage.LabelEpisode, id); rec != nil {
			recs = append(recs, rec)
		}
	}
	storage.SortRecords(recs, "time_window_start", true)
	recs = storage.Limit(recs, limit)

	rows := make([]map[string]any, len(recs))
	for i, rec := range recs {
		rows[i] = map[string]any{"id": rec.ID}
	}
	return rows
}
