package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const DefaultMinChunkLength = 50

var statisticalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bp\s*[<>=]\s*0?\.\d+`),
	regexp.MustCompile(`(?i)\b95\s*%\s*CI\b`),
	regexp.MustCompile(`(?i)\bconfidence interval\b`),
	regexp.MustCompile(`(?i)\brisk ratio\b`),
	regexp.MustCompile(`(?i)\bodds ratio\b`),
	regexp.MustCompile(`(?i)\bhazard ratio\b`),
	regexp.MustCompile(`(?i)\bmean difference\b`),
	regexp.MustCompile(`\b(?:MD|RR|OR|HR)\b.*\bCI\b`),
	regexp.MustCompile(`(?i)\bp-value\b`),
}

var paragraphSplit = regexp.MustCompile(`\n\s*\n+`)

// HasStatisticalContent reports whether text carries reported effect sizes or p-values.
func HasStatisticalContent(text string) bool {
	for _, p := range statisticalPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func SplitParagraphs(text string) []string {
	parts := paragraphSplit.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type TreeOptions struct {
	Weights        LevelWeights
	MinChunkLength int
}

// BuildChunkTree decomposes a document into document, section, subsection and
// paragraph chunks. Sections without explicit subsections get one implicit
// subsection so that every paragraph sits exactly three levels below the root.
func BuildChunkTree(doc *Document, opts TreeOptions) ([]Chunk, error) {
	if doc == nil || strings.TrimSpace(doc.ID) == "" {
		return nil, WrapError(ErrInvalidInput, "build chunk tree", fmt.Errorf("document id is required"))
	}
	if opts.Weights == (LevelWeights{}) {
		opts.Weights = DefaultLevelWeights()
	}
	if err := opts.Weights.Validate(); err != nil {
		return nil, err
	}
	minLen := opts.MinChunkLength
	if minLen <= 0 {
		minLen = DefaultMinChunkLength
	}

	base := ChunkMetadata{
		Title:        doc.Title,
		DOI:          doc.DOI,
		URL:          doc.URL,
		Topic:        doc.Topic,
		QualityGrade: doc.QualityGrade,
		PICO:         doc.PICO,
	}
	counters := map[ChunkLevel]int{}
	next := func(level ChunkLevel) string {
		id := ChunkID(doc.ID, level, counters[level])
		counters[level]++
		return id
	}

	root := Chunk{
		ID:          next(LevelDocument),
		DocumentID:  doc.ID,
		Level:       LevelDocument,
		Content:     documentSummary(doc),
		LevelWeight: opts.Weights.Document,
		Metadata:    base,
	}
	root.Metadata.StatisticalFlag = HasStatisticalContent(root.Content)
	out := []Chunk{root}

	for si, section := range doc.Sections {
		sectionText := strings.TrimSpace(section.Content)
		if sectionText == "" {
			sectionText = joinSubsections(section.Subsections)
		}
		if len(sectionText) < minLen {
			continue
		}
		meta := base
		meta.Section = normalizeSectionName(section.Name)
		meta.StatisticalFlag = HasStatisticalContent(sectionText)
		sectionChunk := Chunk{
			ID:          next(LevelSection),
			DocumentID:  doc.ID,
			ParentID:    root.ID,
			Level:       LevelSection,
			Position:    si,
			Content:     sectionText,
			LevelWeight: opts.Weights.Section,
			Metadata:    meta,
		}
		out = append(out, sectionChunk)

		subsections := section.Subsections
		if len(subsections) == 0 {
			subsections = []Subsection{{Content: sectionText, Paragraphs: section.Paragraphs}}
		}
		for ssi, sub := range subsections {
			subText := strings.TrimSpace(sub.Content)
			if subText == "" {
				subText = strings.Join(sub.Paragraphs, "\n\n")
			}
			if len(subText) < minLen {
				continue
			}
			subMeta := meta
			subMeta.Subsection = strings.TrimSpace(sub.Name)
			subMeta.StatisticalFlag = HasStatisticalContent(subText)
			subChunk := Chunk{
				ID:          next(LevelSubsection),
				DocumentID:  doc.ID,
				ParentID:    sectionChunk.ID,
				Level:       LevelSubsection,
				Position:    ssi,
				Content:     subText,
				LevelWeight: opts.Weights.Subsection,
				Metadata:    subMeta,
			}
			out = append(out, subChunk)

			paragraphs := sub.Paragraphs
			if len(paragraphs) == 0 {
				paragraphs = SplitParagraphs(subText)
			}
			for pi, para := range paragraphs {
				para = strings.TrimSpace(para)
				if len(para) < minLen {
					continue
				}
				paraMeta := subMeta
				paraMeta.StatisticalFlag = HasStatisticalContent(para)
				out = append(out, Chunk{
					ID:          next(LevelParagraph),
					DocumentID:  doc.ID,
					ParentID:    subChunk.ID,
					Level:       LevelParagraph,
					Position:    pi,
					Content:     para,
					LevelWeight: opts.Weights.Paragraph,
					Metadata:    paraMeta,
				})
			}
		}
	}

	if err := ValidateHierarchy(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateHierarchy checks the structural invariants of a chunk set: unique ids,
// a known parent one level up for every non-root chunk, and acyclic chains
// that end at exactly one level-1 chunk.
func ValidateHierarchy(chunks []Chunk) error {
	byID := make(map[string]Chunk, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.ID) == "" {
			return hierarchyError("chunk with empty id")
		}
		if _, dup := byID[c.ID]; dup {
			return hierarchyError("chunk %s appears more than once", c.ID)
		}
		if !c.Level.Valid() {
			return hierarchyError("chunk %s has invalid level %d", c.ID, int(c.Level))
		}
		byID[c.ID] = c
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := byID[id]
		if c.Level == LevelDocument {
			if c.ParentID != "" {
				return hierarchyError("document chunk %s has parent %s", c.ID, c.ParentID)
			}
			continue
		}
		if c.ParentID == "" {
			return hierarchyError("chunk %s at level %d has no parent", c.ID, int(c.Level))
		}

		seen := map[string]struct{}{c.ID: {}}
		cur := c
		for depth := 0; cur.Level != LevelDocument; depth++ {
			parent, ok := byID[cur.ParentID]
			if !ok {
				return hierarchyError("chunk %s references missing parent %s", cur.ID, cur.ParentID)
			}
			if _, loop := seen[parent.ID]; loop {
				return hierarchyError("cycle through chunk %s", parent.ID)
			}
			if parent.Level != cur.Level-1 {
				return hierarchyError("chunk %s at level %d has parent %s at level %d", cur.ID, int(cur.Level), parent.ID, int(parent.Level))
			}
			if parent.DocumentID != cur.DocumentID {
				return hierarchyError("chunk %s and parent %s belong to different documents", cur.ID, parent.ID)
			}
			if depth >= int(LevelParagraph) {
				return hierarchyError("parent chain of %s is too long", c.ID)
			}
			seen[parent.ID] = struct{}{}
			cur = parent
		}
	}
	return nil
}

// ChunkTree indexes a validated chunk set for ancestor lookups.
type ChunkTree struct {
	byID map[string]Chunk
}

func NewChunkTree(chunks []Chunk) (*ChunkTree, error) {
	if err := ValidateHierarchy(chunks); err != nil {
		return nil, err
	}
	byID := make(map[string]Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}
	return &ChunkTree{byID: byID}, nil
}

func (t *ChunkTree) Get(id string) (Chunk, bool) {
	c, ok := t.byID[id]
	return c, ok
}

// Ancestors returns the parent chain of id, nearest first, ending at the document chunk.
func (t *ChunkTree) Ancestors(id string) []Chunk {
	c, ok := t.byID[id]
	if !ok {
		return nil
	}
	out := make([]Chunk, 0, int(c.Level)-1)
	for c.ParentID != "" {
		parent, ok := t.byID[c.ParentID]
		if !ok {
			break
		}
		out = append(out, parent)
		c = parent
	}
	return out
}

func hierarchyError(format string, args ...any) error {
	return WrapError(ErrHierarchyIntegrity, "validate hierarchy", fmt.Errorf(format, args...))
}

func documentSummary(doc *Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", doc.Title)
	if doc.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n", doc.Topic)
	}
	if doc.QualityGrade != GradeUnknown {
		fmt.Fprintf(&b, "Quality Grade: %s\n", doc.QualityGrade)
	}
	if len(doc.Authors) > 0 {
		authors := doc.Authors
		if len(authors) > 5 {
			authors = authors[:5]
		}
		fmt.Fprintf(&b, "Authors: %s\n", strings.Join(authors, ", "))
	}
	if doc.PICO.Empty() {
		b.WriteString("PICO elements not specified\n")
	} else {
		for _, kv := range [][2]string{
			{"Population", doc.PICO.Population},
			{"Intervention", doc.PICO.Intervention},
			{"Comparison", doc.PICO.Comparison},
			{"Outcome", doc.PICO.Outcome},
		} {
			if kv[1] != "" {
				fmt.Fprintf(&b, "%s: %s\n", kv[0], kv[1])
			}
		}
	}
	if abstract := strings.TrimSpace(doc.Abstract); abstract != "" {
		b.WriteString("\n")
		b.WriteString(abstract)
	}
	return strings.TrimSpace(b.String())
}

func joinSubsections(subs []Subsection) string {
	parts := make([]string, 0, len(subs))
	for _, s := range subs {
		if text := strings.TrimSpace(s.Content); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func normalizeSectionName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.Fields(strings.ReplaceAll(name, "'", "")), "_")
}
