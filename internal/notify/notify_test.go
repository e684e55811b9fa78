package notify

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))

	long := strings.Repeat("ñ", 100)
	p := Preview(long)
	assert.Equal(t, previewLength, len([]rune(p)), "expected preview to be cut to the preview length")
	assert.True(t, strings.HasSuffix(p, "…"))
}

func TestNatsDispatcher_Subject(t *testing.T) {
	d := &NatsDispatcher{subject: "gigchat.notify"}
	assert.Equal(t, "gigchat.notify.7", d.Subject(7))
}

func TestLogDispatcher(t *testing.T) {
	var buf bytes.Buffer
	d := NewLogDispatcher(log.New(&buf, "", 0))

	err := d.Notify(context.Background(), 2, Summary{ConversationId: "1:2", SeqId: 3})
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), `offline notification for user 2: conversation "1:2" seq 3`)
}
