package network

import (
	"bytes"
	"context"
	"errors"
	"io"
)

var errObjectMissing = errors.New("NoSuchKey")

type fakeObjectReader struct {
	objects map[string][]byte
	opened  []string
	// breakAfter truncates the stream with errBroken after n bytes.
	breakAfter map[string]int
}

var errBroken = errors.New("connection reset by peer")

func (r *fakeObjectReader) OpenObject(_ context.Context, loc Location) (io.ReadCloser, error) {
	r.opened = append(r.opened, loc.Key)
	data, ok := r.objects[loc.Key]
	if !ok {
		return nil, errObjectMissing
	}
	var reader io.Reader = bytes.NewReader(data)
	if n, ok := r.breakAfter[loc.Key]; ok {
		reader = io.MultiReader(io.LimitReader(reader, int64(n)), errReader{})
	}
	return &trackingCloser{Reader: reader}, nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errBroken }

type trackingCloser struct {
	io.Reader
	closed bool
}

func (c *trackingCloser) Close() error {
	c.closed = true
	return nil
}
