package types

import (
	"encoding/json"
	"fmt"
)

// Artifact is one output of a workflow run: the final story, or a partial
// result produced along the way.
type Artifact struct {
	MimeType string          `json:"mime_type"`
	Data     json.RawMessage `json:"data"`
}

// TextArtifact wraps plain text as an artifact of the given mime type.
func TextArtifact(mimeType, text string) Artifact {
	data, _ := json.Marshal(text)
	return Artifact{MimeType: mimeType, Data: data}
}

// JSONArtifact marshals v as an application/json artifact.
func JSONArtifact(v any) (Artifact, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{MimeType: "application/json", Data: data}, nil
}

// Section is one planned unit of a story. ID and Title come from the
// outline service; Content is filled by the writing step.
type Section struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Brief   string `json:"brief,omitempty"`
	Content string `json:"content,omitempty"`
}

// Outline is the planned structure of a story before drafting.
type Outline struct {
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
}

// Validate checks that the outline can drive a writing pass.
func (o *Outline) Validate() error {
	if o.Title == "" {
		return fmt.Errorf("outline has no title")
	}
	if len(o.Sections) == 0 {
		return fmt.Errorf("outline %q has no sections", o.Title)
	}
	return nil
}

// SectionIDs returns section IDs in outline order, assigning positional
// fallbacks for sections the service returned without one.
func (o *Outline) SectionIDs() []string {
	ids := make([]string, len(o.Sections))
	for i, s := range o.Sections {
		if s.ID == "" {
			s.ID = fmt.Sprintf("section%d", i+1)
			o.Sections[i] = s
		}
		ids[i] = o.Sections[i].ID
	}
	return ids
}

// Story is the final assembled artifact of one task run.
type Story struct {
	Title       string    `json:"title"`
	Outline     *Outline  `json:"outline,omitempty"`
	Sections    []Section `json:"sections,omitempty"`
	Content     string    `json:"content"`
	Suggestions []string  `json:"suggestions,omitempty"`
}

// SearchResult is one result entry from the search service.
type SearchResult struct {
	Query   string `json:"query"`
	Text    string `json:"text"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}
