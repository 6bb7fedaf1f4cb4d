package dispatch

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"msnslp/slp"
	"msnslp/slp/signal"
)

func writeSource(t *testing.T, name string, size int) (string, []byte) {
	data := bytes.Repeat([]byte("0123456789abcdef"), size/16+1)[:size]
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

func TestFileTransferOverSwitchboard(t *testing.T) {
	requireT := require.New(t)
	r := &relay{}
	a := newPeer(t, r, alice, nil)
	b := newPeer(t, r, bob, nil)

	src, data := writeSource(t, "report.bin", 3000)
	call, err := a.handler.SendFile(a.link(t, bob), src)
	requireT.NoError(err)
	requireT.Equal(uint64(3000), call.Size())

	r.run(t, nil)

	requireT.Len(a.observer.ended, 1)
	requireT.NoError(a.observer.ended[0].err)
	requireT.Len(b.observer.ended, 1)
	requireT.NoError(b.observer.ended[0].err)
	requireT.Equal(call.ID(), b.observer.ended[0].callID)

	got, err := os.ReadFile(filepath.Join(b.filesDir, prefixedFilename(call.ID(), "report.bin")))
	requireT.NoError(err)
	requireT.Equal(data, got)

	entries, err := os.ReadDir(b.filesDir)
	requireT.NoError(err)
	requireT.Len(entries, 1)
}

func TestEmptyFileTransfer(t *testing.T) {
	requireT := require.New(t)
	r := &relay{}
	a := newPeer(t, r, alice, nil)
	b := newPeer(t, r, bob, nil)

	src, _ := writeSource(t, "empty.txt", 0)
	call, err := a.handler.SendFile(a.link(t, bob), src)
	requireT.NoError(err)

	r.run(t, nil)

	requireT.Len(b.observer.ended, 1)
	requireT.NoError(b.observer.ended[0].err)
	info, err := os.Stat(filepath.Join(b.filesDir, prefixedFilename(call.ID(), "empty.txt")))
	requireT.NoError(err)
	requireT.Zero(info.Size())
}

func TestDeclinedFile(t *testing.T) {
	requireT := require.New(t)
	r := &relay{}
	a := newPeer(t, r, alice, nil)
	b := newPeer(t, r, bob, func(o *Options) { o.AutoAccept = false })

	src, _ := writeSource(t, "notes.txt", 10)
	_, err := a.handler.SendFile(a.link(t, bob), src)
	requireT.NoError(err)

	r.run(t, nil)

	requireT.Len(a.observer.ended, 1)
	requireT.True(errors.Is(a.observer.ended[0].err, slp.ErrDeclined), "got %v", a.observer.ended[0].err)
	requireT.Len(b.observer.ended, 1)
	requireT.True(errors.Is(b.observer.ended[0].err, slp.ErrDeclined), "got %v", b.observer.ended[0].err)

	_, err = os.Stat(b.filesDir)
	requireT.True(os.IsNotExist(err))
}

func TestFileRequestCallbackDecides(t *testing.T) {
	requireT := require.New(t)
	r := &relay{}
	a := newPeer(t, r, alice, nil)

	var requests []FileRequestNotification
	newPeer(t, r, bob, func(o *Options) {
		o.OnFileRequest = func(req FileRequestNotification) (bool, error) {
			requests = append(requests, req)
			return false, nil
		}
	})

	src, _ := writeSource(t, "notes.txt", 5)
	call, err := a.handler.SendFile(a.link(t, bob), src)
	requireT.NoError(err)

	r.run(t, nil)

	requireT.Equal([]FileRequestNotification{{
		CallID:   call.ID(),
		From:     alice,
		Filename: "notes.txt",
		Filesize: 5,
	}}, requests)
	requireT.True(errors.Is(a.observer.ended[0].err, slp.ErrDeclined))
}

func TestFileRequestCallbackErrorRejects(t *testing.T) {
	requireT := require.New(t)
	r := &relay{}
	a := newPeer(t, r, alice, nil)
	newPeer(t, r, bob, func(o *Options) {
		o.OnFileRequest = func(FileRequestNotification) (bool, error) {
			return false, errors.New("disk full")
		}
	})

	src, _ := writeSource(t, "notes.txt", 5)
	_, err := a.handler.SendFile(a.link(t, bob), src)
	requireT.NoError(err)

	r.run(t, nil)

	requireT.Len(a.observer.ended, 1)
	requireT.True(errors.Is(a.observer.ended[0].err, ErrRejected), "got %v", a.observer.ended[0].err)
}

func TestObjectRequest(t *testing.T) {
	requireT := require.New(t)
	r := &relay{}
	a := newPeer(t, r, alice, nil)
	b := newPeer(t, r, bob, nil)

	avatar := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 1000)
	obj, err := b.handler.PublishObject(signal.ObjectDisplayPicture, "avatar.png", avatar)
	requireT.NoError(err)

	_, err = a.handler.RequestObject(a.link(t, bob), obj)
	requireT.NoError(err)

	r.run(t, nil)

	requireT.Len(a.observer.ended, 1)
	requireT.NoError(a.observer.ended[0].err)
	requireT.Len(b.observer.ended, 1)
	requireT.NoError(b.observer.ended[0].err)

	stored, err := a.store.GetObject(obj.SHA1D)
	requireT.NoError(err)
	requireT.Equal(avatar, stored.Data)
	requireT.Equal(bob, stored.Creator)
}

func TestObjectRequestNotFound(t *testing.T) {
	requireT := require.New(t)
	r := &relay{}
	a := newPeer(t, r, alice, nil)
	b := newPeer(t, r, bob, nil)

	obj := signal.NewObject(bob, signal.ObjectDisplayPicture, "missing.png", []byte("x"))
	_, err := a.handler.RequestObject(a.link(t, bob), obj)
	requireT.NoError(err)

	r.run(t, nil)

	requireT.Len(a.observer.ended, 1)
	requireT.True(errors.Is(a.observer.ended[0].err, ErrRejected), "got %v", a.observer.ended[0].err)
	requireT.Len(b.observer.ended, 1)
	requireT.True(errors.Is(b.observer.ended[0].err, ErrObjectNotFound), "got %v", b.observer.ended[0].err)
}

func TestDirectConnectionNegotiationFallsBack(t *testing.T) {
	requireT := require.New(t)
	r := &relay{}
	aDirect := &fakeConnector{}
	bDirect := &fakeConnector{}
	a := newPeer(t, r, alice, func(o *Options) { o.Direct = aDirect })
	b := newPeer(t, r, bob, func(o *Options) { o.Direct = bDirect })

	src, data := writeSource(t, "movie.avi", 5000)
	call, err := a.handler.SendFile(a.link(t, bob), src)
	requireT.NoError(err)

	r.run(t, func() bool { return len(aDirect.connects) == 1 })

	requireT.Len(bDirect.listens, 1)
	requireT.Equal(alice, bDirect.listens[0].peer)
	connect := aDirect.connects[0]
	requireT.Equal(bob, connect.peer)
	requireT.Equal([]string{"192.0.2.10", "198.51.100.7"}, connect.addrs)
	requireT.Equal(6891, connect.port)
	requireT.True(connect.nonce.Equal(bDirect.listens[0].nonce))
	requireT.True(call.WaitingForSocket())

	requireT.NoError(a.session.DirectConnectionResolved(bob, nil, errors.New("connection refused")))
	requireT.NoError(b.session.DirectConnectionResolved(alice, nil, errors.New("accept timeout")))

	r.run(t, nil)

	requireT.Len(a.observer.ended, 1)
	requireT.NoError(a.observer.ended[0].err)
	got, err := os.ReadFile(filepath.Join(b.filesDir, prefixedFilename(call.ID(), "movie.avi")))
	requireT.NoError(err)
	requireT.Equal(data, got)
}

func TestListenerUnavailableKeepsSwitchboard(t *testing.T) {
	requireT := require.New(t)
	r := &relay{}
	aDirect := &fakeConnector{}
	a := newPeer(t, r, alice, func(o *Options) { o.Direct = aDirect })
	b := newPeer(t, r, bob, func(o *Options) {
		o.Direct = &fakeConnector{listenErr: errors.New("no listener")}
	})

	src, data := writeSource(t, "notes.txt", 1500)
	call, err := a.handler.SendFile(a.link(t, bob), src)
	requireT.NoError(err)

	r.run(t, nil)

	requireT.Empty(aDirect.connects)
	got, err := os.ReadFile(filepath.Join(b.filesDir, prefixedFilename(call.ID(), "notes.txt")))
	requireT.NoError(err)
	requireT.Equal(data, got)
}

func TestPeerCancelRemovesPartialFile(t *testing.T) {
	requireT := require.New(t)
	r := &relay{}
	a := newPeer(t, r, alice, nil)
	b := newPeer(t, r, bob, nil)

	src, _ := writeSource(t, "large.iso", 50000)
	call, err := a.handler.SendFile(a.link(t, bob), src)
	requireT.NoError(err)

	r.run(t, func() bool { return b.observer.progress > 0 })
	requireT.NoError(a.handler.CancelCall(call))
	requireT.True(call.Destroyed())

	r.run(t, nil)

	requireT.Len(a.observer.ended, 1)
	requireT.True(errors.Is(a.observer.ended[0].err, slp.ErrCanceled))
	requireT.Len(b.observer.ended, 1)
	requireT.True(errors.Is(b.observer.ended[0].err, ErrPeerClosed), "got %v", b.observer.ended[0].err)

	entries, err := os.ReadDir(b.filesDir)
	requireT.NoError(err)
	requireT.Empty(entries)
}

func TestSafeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":          "report.pdf",
		"../../etc/passwd":    "passwd",
		`C:\Users\bob\a.txt`:  "a.txt",
		"":                    "file.bin",
		"..":                  "file.bin",
		"/":                   "file.bin",
		"dir/with/trailing/.": "file.bin",
	}
	for in, want := range cases {
		require.Equal(t, want, safeFilename(in), "input %q", in)
	}
}
