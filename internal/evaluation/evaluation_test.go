package evaluation

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

func workbook(t *testing.T, rows [][]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		ref, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Sheet1", ref, &row); err != nil {
			t.Fatalf("SetSheetRow() error = %v", err)
		}
	}
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	return &buf
}

func TestReadQuestionsWithHeader(t *testing.T) {
	buf := workbook(t, [][]any{
		{"Topic", "Question", "Min Quality Grade"},
		{"ent", "Is antifungal therapy effective for CRS?", "a"},
		{"", "", ""},
		{"", "aspirin dosage", ""},
	})

	questions, err := ReadQuestions(buf, "")
	if err != nil {
		t.Fatalf("ReadQuestions() error = %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(questions))
	}
	if questions[0].Topic != "ent" || questions[0].MinQualityGrade != domain.GradeA || questions[0].Row != 2 {
		t.Fatalf("unexpected first question %+v", questions[0])
	}
	if questions[1].Text != "aspirin dosage" || questions[1].Row != 4 {
		t.Fatalf("unexpected second question %+v", questions[1])
	}
}

func TestReadQuestionsWithoutHeaderUsesFirstColumn(t *testing.T) {
	buf := workbook(t, [][]any{
		{"What is the safety profile of itraconazole?"},
		{"aspirin dosage"},
	})
	questions, err := ReadQuestions(buf, "")
	if err != nil {
		t.Fatalf("ReadQuestions() error = %v", err)
	}
	if len(questions) != 2 || questions[0].Row != 1 {
		t.Fatalf("unexpected questions %+v", questions)
	}
}

func TestReadQuestionsRejectsBadBudget(t *testing.T) {
	buf := workbook(t, [][]any{
		{"question", "budget_chars"},
		{"q", "lots"},
	})
	if _, err := ReadQuestions(buf, ""); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

type retrieverFake struct {
	failOn string
}

func (f retrieverFake) Retrieve(_ context.Context, req domain.RetrieveRequest) (*domain.RetrievalOutcome, error) {
	if req.Query == f.failOn {
		return nil, domain.WrapError(domain.ErrRetrievalUnavailable, "retrieve", errors.New("index down"))
	}
	cross := 0.8
	return &domain.RetrievalOutcome{
		Query:    req.Query,
		Strategy: "keyword",
		Ranked: []domain.RerankedResult{
			{MergedResult: domain.MergedResult{ChunkID: "d_L4_0", Chunk: domain.Chunk{ID: "d_L4_0", Level: domain.LevelParagraph}}, FinalScore: 0.91, Scores: domain.ComponentScores{CrossEncoder: &cross}},
			{MergedResult: domain.MergedResult{ChunkID: "d_L4_1", Chunk: domain.Chunk{ID: "d_L4_1", Level: domain.LevelParagraph}}, FinalScore: 0.52},
		},
	}, nil
}

func TestRunKeepsOrderAndRecordsFailures(t *testing.T) {
	questions := []Question{{Row: 2, Text: "a"}, {Row: 3, Text: "broken"}, {Row: 4, Text: "c"}}
	results, err := Run(context.Background(), retrieverFake{failOn: "broken"}, questions, 2)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i, res := range results {
		if res.Question.Row != questions[i].Row {
			t.Fatalf("result %d out of order: %+v", i, res.Question)
		}
	}
	if results[1].Err == nil || results[0].Err != nil {
		t.Fatalf("expected only the second question to fail")
	}
}

func TestWriteResultsProducesBothSheets(t *testing.T) {
	results, _ := Run(context.Background(), retrieverFake{failOn: "broken"}, []Question{{Text: "a"}, {Text: "broken"}}, 1)

	var buf bytes.Buffer
	if err := WriteResults(&buf, results); err != nil {
		t.Fatalf("WriteResults() error = %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()

	ranked, err := f.GetRows(ResultsSheet)
	if err != nil {
		t.Fatalf("GetRows(results) error = %v", err)
	}
	if len(ranked) != 3 {
		t.Fatalf("expected header + 2 ranked rows, got %d", len(ranked))
	}
	if ranked[1][2] != "d_L4_0" || ranked[1][11] != "0.8000" {
		t.Fatalf("unexpected first ranked row %v", ranked[1])
	}

	summary, err := f.GetRows(SummarySheet)
	if err != nil {
		t.Fatalf("GetRows(summary) error = %v", err)
	}
	if len(summary) != 3 {
		t.Fatalf("expected header + 2 summary rows, got %d", len(summary))
	}
	if last := summary[2][len(summary[2])-1]; last == "" {
		t.Fatalf("expected error text for failed question, got row %v", summary[2])
	}
}
