// Package evaluation runs question sets from spreadsheets through the
// retrieval pipeline and writes the ranked evidence back as a workbook.
package evaluation

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

const (
	ResultsSheet = "Results"
	SummarySheet = "Summary"
)

// Question is one row of an input sheet. Only the question column is required.
type Question struct {
	Row             int
	Text            string
	Topic           string
	MinQualityGrade domain.QualityGrade
	BudgetChars     int
}

func (q Question) Request() domain.RetrieveRequest {
	return domain.RetrieveRequest{
		Query:           q.Text,
		Topic:           q.Topic,
		MinQualityGrade: q.MinQualityGrade,
		BudgetChars:     q.BudgetChars,
	}
}

// ReadQuestions reads the first sheet (or the named one). The header row is
// matched case-insensitively; without a "question" header the first column
// is used and every row is data.
func ReadQuestions(r io.Reader, sheet string) ([]Question, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, domain.WrapError(domain.ErrInvalidInput, "read questions", fmt.Errorf("workbook has no sheets"))
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	cols := map[string]int{"question": 0, "topic": -1, "min_quality_grade": -1, "budget_chars": -1}
	start := 0
	if header := headerColumns(rows[0]); header != nil {
		for name := range cols {
			if idx, ok := header[name]; ok {
				cols[name] = idx
			} else if name != "question" {
				cols[name] = -1
			}
		}
		start = 1
	}

	questions := make([]Question, 0, len(rows)-start)
	for i := start; i < len(rows); i++ {
		text := cell(rows[i], cols["question"])
		if text == "" {
			continue
		}
		q := Question{
			Row:   i + 1,
			Text:  text,
			Topic: cell(rows[i], cols["topic"]),
		}
		if raw := cell(rows[i], cols["min_quality_grade"]); raw != "" {
			q.MinQualityGrade = domain.ParseQualityGrade(raw)
		}
		if raw := cell(rows[i], cols["budget_chars"]); raw != "" {
			budget, err := strconv.Atoi(raw)
			if err != nil {
				return nil, domain.WrapError(domain.ErrInvalidInput, "read questions", fmt.Errorf("row %d: budget_chars %q is not a number", i+1, raw))
			}
			q.BudgetChars = budget
		}
		questions = append(questions, q)
	}
	return questions, nil
}

func headerColumns(row []string) map[string]int {
	header := make(map[string]int, len(row))
	for i, name := range row {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
		if key == "query" {
			key = "question"
		}
		header[key] = i
	}
	if _, ok := header["question"]; !ok {
		return nil
	}
	return header
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

var (
	resultsHeader = []any{"question", "rank", "chunk_id", "level", "section", "final_score", "quality", "statistical", "section_score", "semantic", "pico", "cross_encoder", "cross_encoder_fallback", "doi", "title", "grade"}
	summaryHeader = []any{"question", "strategy", "sub_queries", "merged", "ranked", "context_items", "context_chars", "quality_summary", "statistical_summary", "notices", "duration_ms", "error"}
)

// WriteResults renders one row per ranked chunk and one summary row per question.
func WriteResults(w io.Writer, results []Result) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ResultsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(SummarySheet); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	resultRows := [][]any{resultsHeader}
	summaryRows := [][]any{summaryHeader}
	for _, res := range results {
		summaryRows = append(summaryRows, summaryRow(res))
		if res.Outcome == nil {
			continue
		}
		for rank, r := range res.Outcome.Ranked {
			resultRows = append(resultRows, rankedRow(res.Question.Text, rank+1, r))
		}
	}

	if err := writeRows(f, ResultsSheet, resultRows, bold); err != nil {
		return err
	}
	if err := writeRows(f, SummarySheet, summaryRows, bold); err != nil {
		return err
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any, headerStyle int) error {
	for i, row := range rows {
		ref, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, ref, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
		return fmt.Errorf("style %s header: %w", sheet, err)
	}
	return nil
}

func rankedRow(question string, rank int, r domain.RerankedResult) []any {
	cross := ""
	if r.Scores.CrossEncoder != nil {
		cross = strconv.FormatFloat(*r.Scores.CrossEncoder, 'f', 4, 64)
	}
	meta := r.Chunk.Metadata
	return []any{
		question,
		rank,
		r.ChunkID,
		int(r.Chunk.Level),
		meta.Section,
		round4(r.FinalScore),
		round4(r.Scores.Quality),
		round4(r.Scores.Statistical),
		round4(r.Scores.Section),
		round4(r.Scores.Semantic),
		round4(r.Scores.PICO),
		cross,
		r.CrossEncoderFallback,
		meta.DOI,
		meta.Title,
		string(meta.QualityGrade),
	}
}

func summaryRow(res Result) []any {
	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
	}
	row := []any{res.Question.Text, "", 0, 0, 0, 0, 0, "", "", "", res.Duration.Milliseconds(), errText}
	if o := res.Outcome; o != nil {
		notices := make([]string, 0, len(o.Notices))
		for _, n := range o.Notices {
			notices = append(notices, string(n.Code))
		}
		row[1] = o.Strategy
		row[2] = len(o.SubQueries)
		row[3] = o.Merged
		row[4] = len(o.Ranked)
		row[5] = len(o.Bundle.Items)
		row[6] = o.Bundle.TotalChars
		row[7] = o.Bundle.QualitySummary
		row[8] = o.Bundle.StatisticalSummary
		row[9] = strings.Join(notices, ", ")
	}
	return row
}

func round4(v float64) float64 {
	s := strconv.FormatFloat(v, 'f', 4, 64)
	out, _ := strconv.ParseFloat(s, 64)
	return out
}
