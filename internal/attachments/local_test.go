package attachments

import (
	"io"
	"strings"
	"testing"

	"collabup/server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndOpen(t *testing.T) {
	l := NewLocal(t.TempDir(), "/api/v1/uploads/")
	body := "%PDF-1.4 notes"

	up, err := l.Save(models.AttachmentFile, "notes.PDF", int64(len(body)), strings.NewReader(body))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(up.URL, "/api/v1/uploads/files/"))
	assert.True(t, strings.HasSuffix(up.URL, ".pdf"))
	assert.Equal(t, "notes.PDF", up.Name)
	assert.Equal(t, int64(len(body)), up.Size)
	assert.Equal(t, models.Attachment{Type: models.AttachmentFile, URL: up.URL, Name: "notes.PDF"}, up.Attachment())

	name := up.URL[strings.LastIndex(up.URL, "/")+1:]
	f, contentType, err := l.Open("files", name)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, "application/pdf", contentType)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestSaveRejects(t *testing.T) {
	l := NewLocal(t.TempDir(), "/uploads")

	_, err := l.Save(models.AttachmentImage, "a.pdf", 3, strings.NewReader("abc"))
	assert.ErrorIs(t, err, ErrExtension)

	_, err = l.Save("video", "a.mp4", 3, strings.NewReader("abc"))
	assert.ErrorIs(t, err, ErrBadType)

	_, err = l.Save(models.AttachmentImage, "a.png", MaxFileSize+1, strings.NewReader("abc"))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = l.Save(models.AttachmentFile, "noext", 3, strings.NewReader("abc"))
	assert.ErrorIs(t, err, ErrExtension)
}

func TestOpenRejectsTraversal(t *testing.T) {
	l := NewLocal(t.TempDir(), "/uploads")

	_, _, err := l.Open("files", "../secret.txt")
	assert.ErrorIs(t, err, ErrBadPath)
	_, _, err = l.Open("avatars", "a.png")
	assert.ErrorIs(t, err, ErrBadType)
	_, _, err = l.Open("images", "missing.png")
	assert.ErrorIs(t, err, ErrNotFound)
}
