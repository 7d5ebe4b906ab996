package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"retrieve": false, "answer": false, "evaluate": false, "index": false, "validate-tree": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("command %q not registered", name)
		}
	}
}

func TestRetrieveRequiresQueryArgument(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"retrieve"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected argument error")
	}
}

func TestEvaluateRequiresInput(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"evaluate"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "in") {
		t.Fatalf("expected required flag error, got %v", err)
	}
}

func TestRequestFlagsBuildRequest(t *testing.T) {
	flags := &requestFlags{topic: "ent", minGrade: "b", budget: 3000, topK: 5}
	req := flags.request("antifungal safety")
	if req.MinQualityGrade != domain.GradeB || req.Topic != "ent" || req.BudgetChars != 3000 || req.TopK != 5 {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestDecodeDocumentsAcceptsObjectOrArray(t *testing.T) {
	docs, err := decodeDocuments(strings.NewReader(`{"id":"d1","title":"Review"}`))
	if err != nil || len(docs) != 1 || docs[0].ID != "d1" {
		t.Fatalf("unexpected single decode %v %v", docs, err)
	}
	docs, err = decodeDocuments(strings.NewReader(` [{"id":"d1"},{"id":"d2"}]`))
	if err != nil || len(docs) != 2 {
		t.Fatalf("unexpected array decode %v %v", docs, err)
	}
	if _, err := decodeDocuments(strings.NewReader("")); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty file, got %v", err)
	}
}

func TestPrintOutcomeMarksFallbacks(t *testing.T) {
	var buf bytes.Buffer
	err := printOutcome(&buf, &domain.RetrievalOutcome{
		Strategy: "keyword",
		Ranked: []domain.RerankedResult{{
			MergedResult:         domain.MergedResult{ChunkID: "d_L4_0", Chunk: domain.Chunk{Level: domain.LevelParagraph}},
			FinalScore:           0.5,
			CrossEncoderFallback: true,
		}},
		Notices: []domain.Notice{{Code: domain.NoticeCrossEncoderFallback, Message: "1 of 1"}},
	})
	if err != nil {
		t.Fatalf("printOutcome() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "0.5000*") || !strings.Contains(out, "notice [cross_encoder_fallback]") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestRetrieveAndEvaluateOfferRemote(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"retrieve", "evaluate"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil {
			t.Fatalf("Find(%q) error = %v", name, err)
		}
		flag := cmd.Flags().Lookup("remote")
		if flag == nil || flag.DefValue != "false" {
			t.Fatalf("%s: expected --remote flag defaulting to false, got %+v", name, flag)
		}
	}
	answer, _, err := root.Find([]string{"answer"})
	if err != nil {
		t.Fatalf("Find(answer) error = %v", err)
	}
	if answer.Flags().Lookup("remote") != nil {
		t.Fatalf("answer must stay in-process")
	}
}
