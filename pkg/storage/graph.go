package storage

import "fmt"

// Graph labels and relation types shared by graph backends.
const (
	LabelEpisode = "Episode"
	LabelEntity  = "Entity"
	RelMentions  = "MENTIONS"
)

// Whitelisted graph query templates.
const (
	// TemplateEpisodesByEntity returns episodes mentioning an entity.
	// Params: entity (string), limit (number, optional). Rows: id.
	TemplateEpisodesByEntity = "episodes_by_entity"

	// TemplateEntitiesForEpisode returns the entities an episode mentions.
	// Params: episode_id (string). Rows: id, name, type.
	TemplateEntitiesForEpisode = "entities_for_episode"

	// TemplateEpisodesValidAt returns episodes whose fact validity interval
	// contains at. Params: at (unix ms), session_id (optional). Rows: id.
	TemplateEpisodesValidAt = "episodes_valid_at"

	// TemplateRelatedEpisodes returns episodes sharing at least one entity
	// with episode_id. Params: episode_id, limit (optional). Rows: id, shared.
	TemplateRelatedEpisodes = "related_episodes"
)

var templateParams = map[string][]string{
	TemplateEpisodesByEntity:   {"entity"},
	TemplateEntitiesForEpisode: {"episode_id"},
	TemplateEpisodesValidAt:    {"at"},
	TemplateRelatedEpisodes:    {"episode_id"},
}

// Templates lists the accepted template names.
func Templates() []string {
	return []string{
		TemplateEpisodesByEntity,
		TemplateEntitiesForEpisode,
		TemplateEpisodesValidAt,
		TemplateRelatedEpisodes,
	}
}

// CheckTemplate validates a template name and its required parameters.
func CheckTemplate(name string, params map[string]any) error {
	required, ok := templateParams[name]
	if !ok {
		return fmt.Errorf("unknown graph template %q", name)
	}
	for _, p := range required {
		if _, ok := params[p]; !ok {
			return fmt.Errorf("graph template %s: missing parameter %q", name, p)
		}
	}
	return nil
}

// IntParam reads an optional numeric parameter with a default.
func IntParam(params map[string]any, key string, def int) int {
	if f, ok := Float(params[key]); ok && f > 0 {
		return int(f)
	}
	return def
}
