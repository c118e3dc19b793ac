package output

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
<Override PartName="/word/styles.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.styles+xml"/>
</Types>`

const rootRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

const documentRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/>
</Relationships>`

const stylesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:styles xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:docDefaults><w:rPrDefault><w:rPr><w:sz w:val="22"/></w:rPr></w:rPrDefault>
<w:pPrDefault><w:pPr><w:spacing w:after="160" w:line="276" w:lineRule="auto"/></w:pPr></w:pPrDefault></w:docDefaults>
<w:style w:type="paragraph" w:default="1" w:styleId="Normal"><w:name w:val="Normal"/></w:style>
<w:style w:type="paragraph" w:styleId="Title"><w:name w:val="Title"/><w:basedOn w:val="Normal"/>
<w:pPr><w:spacing w:after="240"/></w:pPr><w:rPr><w:b/><w:sz w:val="40"/></w:rPr></w:style>
<w:style w:type="paragraph" w:styleId="Heading1"><w:name w:val="heading 1"/><w:basedOn w:val="Normal"/>
<w:pPr><w:keepNext/><w:spacing w:before="360" w:after="120"/><w:outlineLvl w:val="0"/></w:pPr><w:rPr><w:b/><w:sz w:val="30"/></w:rPr></w:style>
<w:style w:type="paragraph" w:styleId="Meta"><w:name w:val="Meta"/><w:basedOn w:val="Normal"/>
<w:pPr><w:spacing w:after="40"/></w:pPr><w:rPr><w:color w:val="666666"/><w:sz w:val="20"/></w:rPr></w:style>
</w:styles>`

type docxWriter struct {
	body strings.Builder
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

func (w *docxWriter) paragraph(style string, runs ...string) {
	w.body.WriteString("<w:p>")
	if style != "" {
		fmt.Fprintf(&w.body, `<w:pPr><w:pStyle w:val="%s"/></w:pPr>`, style)
	}
	w.body.WriteString(strings.Join(runs, ""))
	w.body.WriteString("</w:p>")
}

func run(text string, bold bool) string {
	props := ""
	if bold {
		props = "<w:rPr><w:b/></w:rPr>"
	}
	return fmt.Sprintf(`<w:r>%s<w:t xml:space="preserve">%s</w:t></w:r>`, props, xmlEscape(text))
}

// RenderDOCX 生成 Word 文档：标题、元数据、"Transcript" 标题，每个说话人轮次或片段一段并带时间戳
func RenderDOCX(doc *Document) ([]byte, error) {
	t := doc.Transcript
	w := &docxWriter{}

	title := "Transcript"
	if doc.Job != nil && doc.Job.Filename != "" {
		title = doc.Job.Filename
	}
	w.paragraph("Title", run(title, false))

	meta := [][2]string{
		{"Duration", formatClock(t.Duration)},
		{"Language", t.Language},
		{"Generated", doc.GeneratedAt.UTC().Format("2006-01-02 15:04 UTC")},
	}
	if doc.Job != nil {
		meta = append([][2]string{{"Job", doc.Job.JobID}}, meta...)
	}
	for _, m := range meta {
		if m[1] == "" {
			continue
		}
		w.paragraph("Meta", run(m[0]+": ", true), run(m[1], false))
	}

	w.paragraph("Heading1", run("Transcript", false))

	if t.Diarized && len(t.Speakers) > 0 {
		for _, turn := range t.Speakers {
			runs := []string{}
			if turn.End > 0 {
				runs = append(runs, run("["+formatClock(turn.Start)+"] ", false))
			}
			runs = append(runs, run(turn.Speaker+": ", true), run(strings.TrimSpace(turn.Text), false))
			w.paragraph("", runs...)
		}
	} else {
		for _, cue := range t.Segments {
			text := strings.TrimSpace(cue.Text)
			if text == "" {
				continue
			}
			w.paragraph("", run("["+formatClock(cue.Start)+"] ", true), run(text, false))
		}
	}

	document := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		w.body.String() +
		`<w:sectPr><w:pgSz w:w="11906" w:h="16838"/><w:pgMar w:top="1440" w:right="1440" w:bottom="1440" w:left="1440"/></w:sectPr>` +
		`</w:body></w:document>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	parts := []struct{ name, content string }{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", rootRelsXML},
		{"word/_rels/document.xml.rels", documentRelsXML},
		{"word/document.xml", document},
		{"word/styles.xml", stylesXML},
	}
	for _, p := range parts {
		f, err := zw.Create(p.name)
		if err != nil {
			return nil, fmt.Errorf("写入 %s 失败: %w", p.name, err)
		}
		if _, err := f.Write([]byte(p.content)); err != nil {
			return nil, fmt.Errorf("写入 %s 失败: %w", p.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("打包 docx 失败: %w", err)
	}
	return buf.Bytes(), nil
}
