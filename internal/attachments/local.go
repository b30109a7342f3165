package attachments

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"collabup/server/internal/models"

	"github.com/google/uuid"
)

const (
	MaxFileSize = 5 * 1024 * 1024 // 5MB

	AllowedImageExts = ".jpg,.jpeg,.png,.gif,.webp"
	AllowedFileExts  = ".pdf,.doc,.docx,.txt,.zip,.mp4,.webm,.mov,.mp3,.wav,.ogg,.m4a"
)

var (
	ErrTooLarge   = errors.New("file size exceeds limit of 5MB")
	ErrBadType    = errors.New("invalid file type, must be image or file")
	ErrExtension  = errors.New("file extension not allowed")
	ErrNotFound   = errors.New("file not found")
	ErrBadPath    = errors.New("invalid file path")
	errEmptyInput = errors.New("empty upload")
)

// Upload describes a stored file
type Upload struct {
	URL  string                `json:"url"`
	Name string                `json:"name"`
	Type models.AttachmentType `json:"type"`
	Size int64                 `json:"size"`
}

// Attachment converts the upload into a message attachment
func (u *Upload) Attachment() models.Attachment {
	return models.Attachment{Type: u.Type, URL: u.URL, Name: u.Name}
}

// Local stores uploads on disk under dir and serves them below urlPrefix
type Local struct {
	dir       string
	urlPrefix string
}

// NewLocal creates a local attachment store
func NewLocal(dir, urlPrefix string) *Local {
	return &Local{dir: dir, urlPrefix: strings.TrimSuffix(urlPrefix, "/")}
}

// Save writes r as a new file of the given kind. The returned URL stays
// valid for as long as the file exists.
func (l *Local) Save(kind models.AttachmentType, filename string, size int64, r io.Reader) (*Upload, error) {
	if size > MaxFileSize {
		return nil, fmt.Errorf("%w (uploaded: %.2fMB)", ErrTooLarge, float64(size)/(1024*1024))
	}
	if size == 0 {
		return nil, errEmptyInput
	}
	if kind != models.AttachmentImage && kind != models.AttachmentFile {
		return nil, ErrBadType
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !isAllowedExtension(ext, kind) {
		return nil, fmt.Errorf("%w: %s for type %s", ErrExtension, ext, kind)
	}

	uploadPath := filepath.Join(l.dir, dirName(kind))
	if err := os.MkdirAll(uploadPath, 0755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}

	stored := fmt.Sprintf("%s-%d%s", uuid.New().String(), time.Now().Unix(), ext)
	f, err := os.Create(filepath.Join(uploadPath, stored))
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	written, err := io.Copy(f, io.LimitReader(r, MaxFileSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && written > MaxFileSize {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("save file: %w", err)
	}

	return &Upload{
		URL:  path.Join(l.urlPrefix, dirName(kind), stored),
		Name: filepath.Base(filename),
		Type: kind,
		Size: written,
	}, nil
}

// Open returns a stored file and its content type. dir is the plural type
// segment of the URL ("images" or "files").
func (l *Local) Open(dir, filename string) (*os.File, string, error) {
	if dir != dirName(models.AttachmentImage) && dir != dirName(models.AttachmentFile) {
		return nil, "", ErrBadType
	}
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return nil, "", ErrBadPath
	}
	f, err := os.Open(filepath.Join(l.dir, dir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	return f, ContentType(filepath.Ext(filename)), nil
}

func dirName(kind models.AttachmentType) string {
	return string(kind) + "s"
}

// isAllowedExtension checks if file extension is allowed for the given type
func isAllowedExtension(ext string, kind models.AttachmentType) bool {
	if ext == "" {
		return false
	}
	var allowed string
	switch kind {
	case models.AttachmentImage:
		allowed = AllowedImageExts
	case models.AttachmentFile:
		allowed = AllowedFileExts
	default:
		return false
	}
	for _, e := range strings.Split(allowed, ",") {
		if e == ext {
			return true
		}
	}
	return false
}

// ContentType returns content type based on file extension
func ContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".m4a":
		return "audio/mp4"
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
