// Package filetype classifies files into preview kinds and resolves the MIME
// type reported to the upload service.
package filetype

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Kind is the preview category of a file.
type Kind int

// Preview kinds.
const (
	KindOther Kind = iota
	KindImage
	KindVideo
	KindAudio
	KindDocument
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindDocument:
		return "document"
	case KindArchive:
		return "archive"
	default:
		return "other"
	}
}

var extensionKinds = map[string]Kind{
	".png":  KindImage,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".gif":  KindImage,
	".webp": KindImage,
	".svg":  KindImage,
	".bmp":  KindImage,
	".mp4":  KindVideo,
	".mov":  KindVideo,
	".webm": KindVideo,
	".mkv":  KindVideo,
	".avi":  KindVideo,
	".mp3":  KindAudio,
	".wav":  KindAudio,
	".flac": KindAudio,
	".ogg":  KindAudio,
	".pdf":  KindDocument,
	".txt":  KindDocument,
	".md":   KindDocument,
	".doc":  KindDocument,
	".docx": KindDocument,
	".csv":  KindDocument,
	".json": KindDocument,
	".zip":  KindArchive,
	".tar":  KindArchive,
	".gz":   KindArchive,
	".zst":  KindArchive,
	".7z":   KindArchive,
	".rar":  KindArchive,
	".car":  KindArchive,
}

// KindForPath classifies a file by its extension alone. Pure; unknown
// extensions map to KindOther.
func KindForPath(path string) Kind {
	ext := strings.ToLower(filepath.Ext(path))
	return extensionKinds[ext]
}

// Detect sniffs the file content for its MIME type and classifies it.
// When sniffing yields only a generic type, the extension table decides the
// kind.
func Detect(path string) (string, Kind, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", KindOther, fmt.Errorf("detect content type: %w", err)
	}

	mime := mtype.String()
	kind := kindForMIME(mime)
	if kind == KindOther {
		kind = KindForPath(path)
	}
	return mime, kind, nil
}

func kindForMIME(mime string) Kind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	case strings.HasPrefix(mime, "text/"),
		mime == "application/pdf",
		mime == "application/json":
		return KindDocument
	case mime == "application/zip",
		mime == "application/x-tar",
		mime == "application/gzip",
		mime == "application/zstd",
		mime == "application/x-7z-compressed",
		mime == "application/x-rar-compressed":
		return KindArchive
	default:
		return KindOther
	}
}
