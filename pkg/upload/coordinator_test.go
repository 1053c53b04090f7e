package upload

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/tutor-chat/pkg/protocol"
	"github.com/go-go-golems/tutor-chat/pkg/transcript"
)

func sendAll(t *testing.T, c *Coordinator, handles ...string) {
	t.Helper()
	for _, h := range handles {
		_, _, err := c.BeginEncoding(h)
		require.NoError(t, err)
		_, err = c.MarkSent(h)
		require.NoError(t, err)
	}
}

func TestCoordinatorRemotePathsFollowQueueOrder(t *testing.T) {
	c := NewCoordinator()
	a := c.Enqueue("/tmp/a.png", []byte("A"))
	b := c.Enqueue("/tmp/b.png", []byte("B"))
	require.Equal(t, transcript.ImageQueued, a.Status)
	require.Equal(t, "a.png", a.Filename)
	sendAll(t, c, a.Handle, b.Handle)

	ref, ok := c.Resolve(&protocol.ImageUploadResponseFrame{Status: "success", ImagePath: "/p/b.png", Handle: b.Handle})
	require.True(t, ok)
	require.Equal(t, transcript.ImageAcked, ref.Status)
	require.Equal(t, []string{"/p/b.png"}, c.RemotePaths())

	_, ok = c.Resolve(&protocol.ImageUploadResponseFrame{Status: "success", ImagePath: "/p/a.png", Handle: a.Handle})
	require.True(t, ok)
	require.Equal(t, []string{"/p/a.png", "/p/b.png"}, c.RemotePaths())
}

func TestCoordinatorResolvesOldestSentWithoutHandle(t *testing.T) {
	c := NewCoordinator()
	a := c.Enqueue("a.png", []byte("A"))
	b := c.Enqueue("b.png", []byte("B"))
	sendAll(t, c, a.Handle, b.Handle)

	ref, ok := c.Resolve(&protocol.ImageUploadResponseFrame{Status: "success", ImagePath: "/p/1"})
	require.True(t, ok)
	require.Equal(t, a.Handle, ref.Handle)

	ref, ok = c.Resolve(&protocol.ImageUploadResponseFrame{Status: "success", ImagePath: "/p/2"})
	require.True(t, ok)
	require.Equal(t, b.Handle, ref.Handle)

	_, ok = c.Resolve(&protocol.ImageUploadResponseFrame{Status: "success", ImagePath: "/p/3"})
	require.False(t, ok)
}

func TestCoordinatorFailureRemovesFromQueue(t *testing.T) {
	c := NewCoordinator()
	a := c.Enqueue("a.png", []byte("A"))
	b := c.Enqueue("b.png", []byte("B"))
	sendAll(t, c, a.Handle, b.Handle)

	ref, ok := c.Resolve(&protocol.ImageUploadResponseFrame{Status: "error", Message: "too big", Handle: a.Handle})
	require.True(t, ok)
	require.Equal(t, transcript.ImageFailed, ref.Status)

	queue := c.Queue()
	require.Len(t, queue, 1)
	require.Equal(t, b.Handle, queue[0].Handle)
	_, ok = c.Get(a.Handle)
	require.False(t, ok)

	// success without a path counts as failure
	ref, ok = c.Resolve(&protocol.ImageUploadResponseFrame{Status: "success", Handle: b.Handle})
	require.True(t, ok)
	require.Equal(t, transcript.ImageFailed, ref.Status)
	require.Empty(t, c.Queue())
}

func TestCoordinatorStateTransitionsAreChecked(t *testing.T) {
	c := NewCoordinator()
	a := c.Enqueue("a.png", []byte("A"))

	_, err := c.MarkSent(a.Handle)
	require.True(t, errors.Is(err, ErrInvalidState))

	ref, data, err := c.BeginEncoding(a.Handle)
	require.NoError(t, err)
	require.Equal(t, transcript.ImageEncoding, ref.Status)
	require.Equal(t, []byte("A"), data)

	_, _, err = c.BeginEncoding(a.Handle)
	require.True(t, errors.Is(err, ErrInvalidState))

	_, _, err = c.BeginEncoding("nope")
	require.True(t, errors.Is(err, ErrUnknownHandle))
}

func TestCoordinatorTakeAckedKeepsInFlight(t *testing.T) {
	c := NewCoordinator()
	a := c.Enqueue("a.png", []byte("A"))
	b := c.Enqueue("b.png", []byte("B"))
	sendAll(t, c, a.Handle, b.Handle)
	_, ok := c.Resolve(&protocol.ImageUploadResponseFrame{Status: "success", ImagePath: "/p/a", Handle: a.Handle})
	require.True(t, ok)

	taken := c.TakeAcked()
	require.Len(t, taken, 1)
	require.Equal(t, a.Handle, taken[0].Handle)
	require.Empty(t, c.RemotePaths())

	queue := c.Queue()
	require.Len(t, queue, 1)
	require.Equal(t, transcript.ImageSent, queue[0].Status)
}

func TestCoordinatorExpiredAndRemove(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCoordinator(WithClock(func() time.Time { return now }))
	a := c.Enqueue("a.png", []byte("A"))
	b := c.Enqueue("b.png", []byte("B"))
	sendAll(t, c, a.Handle)

	require.Empty(t, c.Expired(5*time.Second))
	now = now.Add(6 * time.Second)
	expired := c.Expired(5 * time.Second)
	require.Len(t, expired, 1)
	require.Equal(t, a.Handle, expired[0].Handle)

	require.True(t, c.Remove(b.Handle))
	require.False(t, c.Remove(b.Handle))
	require.Empty(t, c.Queue())
}

func TestEncode(t *testing.T) {
	req := Encode("/home/u/pic.jpg", []byte{0xff, 0x00, 0x10})
	require.Equal(t, "pic.jpg", req.Filename)
	decoded, err := base64.StdEncoding.DecodeString(req.ImageData)
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0x00, 0x10}, decoded)
}

func TestCoordinatorRemovedSentImageConsumesItsResponse(t *testing.T) {
	c := NewCoordinator()
	a := c.Enqueue("a.png", []byte("A"))
	b := c.Enqueue("b.png", []byte("B"))
	sendAll(t, c, a.Handle, b.Handle)

	require.True(t, c.Remove(a.Handle))
	require.False(t, c.Remove(a.Handle))
	_, ok := c.Get(a.Handle)
	require.False(t, ok)
	require.Len(t, c.Queue(), 1)

	// the first FIFO response belongs to the removed image
	_, ok = c.Resolve(&protocol.ImageUploadResponseFrame{Status: "success", ImagePath: "/p/a"})
	require.False(t, ok)

	ref, ok := c.Resolve(&protocol.ImageUploadResponseFrame{Status: "success", ImagePath: "/p/b"})
	require.True(t, ok)
	require.Equal(t, b.Handle, ref.Handle)
	require.Equal(t, []string{"/p/b"}, c.RemotePaths())
}

func TestCoordinatorResolvesInSendOrderNotQueueOrder(t *testing.T) {
	c := NewCoordinator()
	a := c.Enqueue("a.png", []byte("A"))
	b := c.Enqueue("b.png", []byte("B"))
	// b finishes encoding first and reaches the wire before a
	sendAll(t, c, b.Handle, a.Handle)

	ref, ok := c.Resolve(&protocol.ImageUploadResponseFrame{Status: "success", ImagePath: "/img/b.png"})
	require.True(t, ok)
	require.Equal(t, b.Handle, ref.Handle)

	ref, ok = c.Resolve(&protocol.ImageUploadResponseFrame{Status: "success", ImagePath: "/img/a.png"})
	require.True(t, ok)
	require.Equal(t, a.Handle, ref.Handle)

	require.Equal(t, []string{"/img/a.png", "/img/b.png"}, c.RemotePaths())
}
