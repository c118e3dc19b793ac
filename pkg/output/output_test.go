package output

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/z-wentao/longscribe/pkg/models"
)

func sampleDocument() *Document {
	return &Document{
		Job: &models.TranscriptionJob{JobID: "job-123", Filename: "interview.mp4", LanguageConfidence: 0.67},
		Transcript: &models.MergedTranscript{
			JobID:    "job-123",
			Language: "en",
			Duration: 3725.0456,
			Text:     "Hello there. Bye & <done>",
			Segments: []models.Cue{
				{Index: 0, Start: 0, End: 5.2, Text: "Hello there."},
				{Index: 1, Start: 5.2, End: 65.5, Text: "  "},
				{Index: 2, Start: 65.5, End: 3725.0456, Text: "Bye & <done>"},
			},
		},
		GeneratedAt: time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC),
	}
}

func TestFormatTimes(t *testing.T) {
	cases := []struct {
		in       float64
		srt, vtt string
	}{
		{0, "00:00:00,000", "00:00:00.000"},
		{65.5, "00:01:05,500", "00:01:05.500"},
		{3599.9996, "01:00:00,000", "01:00:00.000"},
		{-3, "00:00:00,000", "00:00:00.000"},
	}
	for _, tc := range cases {
		if got := formatSRTTime(tc.in); got != tc.srt {
			t.Errorf("formatSRTTime(%v) = %s, want %s", tc.in, got, tc.srt)
		}
		if got := formatVTTTime(tc.in); got != tc.vtt {
			t.Errorf("formatVTTTime(%v) = %s, want %s", tc.in, got, tc.vtt)
		}
	}
	if got := formatClock(3725.9); got != "01:02:05" {
		t.Errorf("formatClock = %s", got)
	}
}

func TestRenderSRT(t *testing.T) {
	out, err := Render(models.FormatSRT, sampleDocument())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "1\n00:00:00,000 --> 00:00:05,200\nHello there.\n\n" +
		"2\n00:01:05,500 --> 01:02:05,046\nBye & <done>\n"
	if string(out) != want {
		t.Fatalf("srt =\n%q\nwant\n%q", out, want)
	}
}

func TestRenderVTT(t *testing.T) {
	doc := sampleDocument()
	doc.Transcript.Segments[0].Speaker = "Speaker 1"
	out, err := Render(models.FormatVTT, doc)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "WEBVTT\n\n" +
		"00:00:00.000 --> 00:00:05.200\n<v Speaker 1>Hello there.\n\n" +
		"00:01:05.500 --> 01:02:05.046\nBye & <done>\n"
	if string(out) != want {
		t.Fatalf("vtt =\n%q\nwant\n%q", out, want)
	}
}

func TestRenderTXT(t *testing.T) {
	doc := sampleDocument()
	out, _ := Render(models.FormatTXT, doc)
	if string(out) != "Hello there. Bye & <done>\n" {
		t.Fatalf("txt = %q", out)
	}

	doc.Transcript.Diarized = true
	doc.Transcript.Speakers = []models.SpeakerTurn{
		{Speaker: "Speaker 1", Text: "Hello there."},
		{Speaker: "Speaker 2", Text: " Bye & <done> "},
	}
	out, _ = Render(models.FormatTXT, doc)
	if string(out) != "Speaker 1: Hello there.\nSpeaker 2: Bye & <done>\n" {
		t.Fatalf("diarized txt = %q", out)
	}
}

func TestRenderJSON(t *testing.T) {
	out, err := Render(models.FormatJSON, sampleDocument())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got["job_id"] != "job-123" || got["filename"] != "interview.mp4" || got["language_confidence"] != 0.67 {
		t.Fatalf("metadata = %v", got)
	}
	if segs, _ := got["segments"].([]any); len(segs) != 3 {
		t.Fatalf("segments = %v", got["segments"])
	}
	if words, ok := got["words"].([]any); !ok || len(words) != 0 {
		t.Fatalf("words = %v, want empty array", got["words"])
	}
	if got["generated_at"] != "2025-03-01T08:30:00Z" {
		t.Fatalf("generated_at = %v", got["generated_at"])
	}
}

func TestRenderDOCX(t *testing.T) {
	out, err := Render(models.FormatDOCX, sampleDocument())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		t.Fatalf("not a zip: %v", err)
	}

	files := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		files[f.Name] = string(b)
	}
	for _, name := range []string{"[Content_Types].xml", "_rels/.rels", "word/document.xml", "word/styles.xml", "word/_rels/document.xml.rels"} {
		if _, ok := files[name]; !ok {
			t.Fatalf("missing part %s", name)
		}
	}

	document := files["word/document.xml"]
	for _, want := range []string{"interview.mp4", "job-123", "01:02:05", "[00:01:05] ", "Bye &amp; &lt;done&gt;", "2025-03-01 08:30 UTC"} {
		if !strings.Contains(document, want) {
			t.Errorf("document.xml missing %q", want)
		}
	}
}

func TestRenderErrors(t *testing.T) {
	if _, err := Render("pdf", sampleDocument()); err == nil {
		t.Fatal("rendered an unknown format")
	}
	if _, err := Render(models.FormatTXT, &Document{}); err == nil {
		t.Fatal("rendered without a transcript")
	}
	if MimeType(models.FormatSRT) != "application/x-subrip" || MimeType("pdf") != "application/octet-stream" {
		t.Fatal("unexpected mime types")
	}
}
