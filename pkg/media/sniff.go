package media

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
)

// Family 容器族，用于比对声明的 MIME 与文件头
type Family string

const (
	FamilyUnknown Family = ""
	FamilyMPEG    Family = "mpeg"
	FamilyMP4     Family = "mp4"
	FamilyWAV     Family = "wav"
	FamilyWebM    Family = "webm" // EBML：WebM / Matroska
	FamilyOgg     Family = "ogg"
	FamilyFLAC    Family = "flac"
	FamilyAAC     Family = "aac" // ADTS 裸流
)

var mimeFamilies = map[string][]Family{
	"audio/mpeg":       {FamilyMPEG},
	"audio/mp3":        {FamilyMPEG},
	"audio/mp4":        {FamilyMP4},
	"audio/x-m4a":      {FamilyMP4},
	"audio/m4a":        {FamilyMP4},
	"audio/wav":        {FamilyWAV},
	"audio/x-wav":      {FamilyWAV},
	"audio/wave":       {FamilyWAV},
	"audio/webm":       {FamilyWebM},
	"audio/ogg":        {FamilyOgg},
	"audio/flac":       {FamilyFLAC},
	"audio/x-flac":     {FamilyFLAC},
	"audio/aac":        {FamilyAAC, FamilyMP4},
	"video/mp4":        {FamilyMP4},
	"video/webm":       {FamilyWebM},
	"video/quicktime":  {FamilyMP4},
	"video/x-matroska": {FamilyWebM},
}

// MimeMatches 文件头识别出的容器族是否与声明的 MIME 一致
func MimeMatches(mime string, got Family) bool {
	if got == FamilyUnknown {
		return false
	}
	for _, f := range mimeFamilies[normalizeMime(mime)] {
		if f == got {
			return true
		}
	}
	return false
}

func normalizeMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}

// IsVideoMime 声明的 MIME 是否为视频
func IsVideoMime(mime string) bool {
	return strings.HasPrefix(normalizeMime(mime), "video/")
}

// IsVideoFile 按扩展名判断是否是视频文件
func IsVideoFile(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	videoExts := []string{".mp4", ".webm", ".mov", ".avi", ".mkv", ".wmv", ".flv", ".m4v"}
	for _, ve := range videoExts {
		if ext == ve {
			return true
		}
	}
	return false
}

// Sniff 根据文件头识别容器族
// 优先使用 tag.Identify（ID3 / MP4 ftyp / FLAC / Ogg），再检查它不认识的 RIFF、EBML 和帧同步字
func Sniff(r io.ReadSeeker) (Family, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return FamilyUnknown, err
	}
	_, fileType, err := tag.Identify(r)
	if err != nil && !errors.Is(err, tag.ErrNoTagsFound) {
		// Identify 读不满 11 字节时会报错，交给下面的手工判断
		fileType = tag.UnknownFileType
	}
	switch fileType {
	case tag.MP3:
		return FamilyMPEG, nil
	case tag.M4A, tag.M4B, tag.M4P, tag.ALAC:
		return FamilyMP4, nil
	case tag.FLAC:
		return FamilyFLAC, nil
	case tag.OGG:
		return FamilyOgg, nil
	}

	head := make([]byte, 16)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return FamilyUnknown, err
	}
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return FamilyUnknown, err
	}
	return sniffHeader(head[:n]), nil
}

func sniffHeader(b []byte) Family {
	switch {
	case len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE")):
		return FamilyWAV
	case len(b) >= 4 && bytes.Equal(b[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FamilyWebM
	case len(b) >= 8 && bytes.Equal(b[4:8], []byte("ftyp")):
		return FamilyMP4
	case len(b) >= 3 && bytes.Equal(b[0:3], []byte("ID3")):
		return FamilyMPEG
	case len(b) >= 4 && bytes.Equal(b[0:4], []byte("fLaC")):
		return FamilyFLAC
	case len(b) >= 4 && bytes.Equal(b[0:4], []byte("OggS")):
		return FamilyOgg
	case len(b) >= 2 && b[0] == 0xFF && b[1]&0xF0 == 0xF0 && b[1]&0x06 == 0:
		// ADTS：12 位同步字，layer 固定为 00
		return FamilyAAC
	case len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0 && b[1]&0x06 != 0:
		// MPEG 音频帧同步字
		return FamilyMPEG
	}
	return FamilyUnknown
}
