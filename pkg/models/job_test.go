package models

import "testing"

// TestStageNext 阶段按固定顺序推进
func TestStageNext(t *testing.T) {
	stage := StageCreated
	var seen []Stage
	for !stage.IsTerminal() {
		stage = stage.Next()
		seen = append(seen, stage)
	}
	if len(seen) != len(PipelineStages)+1 {
		t.Fatalf("visited %d stages, want %d", len(seen), len(PipelineStages)+1)
	}
	if seen[0] != StageValidating || seen[len(seen)-1] != StageComplete {
		t.Fatalf("sequence = %v", seen)
	}
	if StageFailed.Next() != StageFailed {
		t.Fatal("terminal stage must not advance")
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Stage
		want     bool
	}{
		{StageCreated, StageValidating, true},
		{StageValidating, StageSegmenting, false},
		{StageTranscribing, StageTranscribing, true},
		{StageCreated, StageCreated, false},
		{StageMerging, StageFailed, true},
		{StageCreated, StageCancelled, true},
		{StageFinalizing, StageComplete, true},
		{StageComplete, StageFailed, false},
		{StageFailed, StageValidating, false},
		{StageMerging, StageTranscribing, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStageValidity(t *testing.T) {
	for _, s := range []Stage{StageCreated, StageFailed, StageCancelled, StageComplete, StageDiarizing} {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Stage("UPLOADING").IsValid() {
		t.Error("unknown stage reported valid")
	}
	if !StageSegmenting.Before(StageMerging) || StageMerging.Before(StageSegmenting) {
		t.Error("Before ordering wrong")
	}
	if StageFailed.Before(StageComplete) {
		t.Error("FAILED is outside the sequence")
	}
}

func TestTimelineRecord(t *testing.T) {
	var tl StageTimeline
	tl.Record(StageMerging).Progress = 50
	if tl.Merging.Progress != 50 {
		t.Fatal("Record must return a pointer into the timeline")
	}
	if tl.Record(StageCreated) != nil || tl.Record(StageComplete) != nil {
		t.Fatal("non-working stages have no record")
	}
}

func TestParseFormat(t *testing.T) {
	if f, ok := ParseFormat("docx"); !ok || f != FormatDOCX {
		t.Fatalf("ParseFormat(docx) = %v, %v", f, ok)
	}
	if _, ok := ParseFormat("pdf"); ok {
		t.Fatal("pdf should be rejected")
	}
}

func TestUploadSessionChunks(t *testing.T) {
	s := &UploadSession{TotalSize: 25, ChunkSize: 10, TotalChunks: 3}
	s.MarkReceived(2)
	s.MarkReceived(0)
	s.MarkReceived(2)

	if len(s.Received) != 2 || s.Received[0] != 0 || s.Received[1] != 2 {
		t.Fatalf("Received = %v, want [0 2]", s.Received)
	}
	if missing := s.Missing(); len(missing) != 1 || missing[0] != 1 {
		t.Fatalf("Missing = %v, want [1]", missing)
	}
	if s.Percent() != 66 {
		t.Fatalf("Percent = %d, want 66", s.Percent())
	}
	if s.ExpectedChunkSize(0) != 10 || s.ExpectedChunkSize(2) != 5 {
		t.Fatalf("chunk sizes = %d/%d", s.ExpectedChunkSize(0), s.ExpectedChunkSize(2))
	}
}

// TestEncodeJobKeepsInternalFields API 隐藏的字段在持久化时必须保留
func TestEncodeJobKeepsInternalFields(t *testing.T) {
	job := &TranscriptionJob{JobID: "j1", SourceKey: "uploads/s1/source", RunToken: "tok", Stage: StageMerging}
	data, err := EncodeJob(job)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeJob(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SourceKey != job.SourceKey || out.RunToken != "tok" || out.Stage != StageMerging {
		t.Fatalf("decoded = %+v", out)
	}

	clone := CloneJob(job)
	clone.RunToken = "other"
	if job.RunToken != "tok" {
		t.Fatal("CloneJob must not alias the original")
	}
}
