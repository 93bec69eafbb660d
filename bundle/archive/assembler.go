// Package archive assembles a zip stream from a list of members without buffering any member in full.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"time"

	"github.com/klauspost/compress/zip"
)

// ChunkSource is a pull-based, forward-only byte stream. Next returns io.EOF at the end.
type ChunkSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Member is one named entry of the archive.
type Member struct {
	Name   string
	Source ChunkSource
}

// MemberInfo is the bookkeeping kept for every written member.
type MemberInfo struct {
	Name   string
	Size   int64
	CRC32  uint32
	Chunks int
}

type state int

const (
	stateNextMember state = iota
	stateBody
	stateTrailer
	stateDone
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateNextMember:
		return "next-member"
	case stateBody:
		return "body"
	case stateTrailer:
		return "trailer"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// Option ...
type Option func(*Assembler)

// WithModified sets the modification time written into every member header.
func WithModified(t time.Time) Option {
	return func(a *Assembler) {
		a.modified = t
	}
}

// Assembler produces the bytes of a stored (uncompressed) zip archive on demand.
// Each call to Next advances the state machine by one step: a member header, one
// member chunk, or the central directory.
type Assembler struct {
	members  []Member
	modified time.Time

	state   state
	index   int
	sink    bytes.Buffer
	zw      *zip.Writer
	body    io.Writer
	crc     hash.Hash32
	current MemberInfo
	infos   []MemberInfo
	emitted int64
	err     error
	// closeErrs holds errors from closing fully read sources; Close reports them.
	closeErrs []error
}

// NewAssembler ...
func NewAssembler(members []Member, opts ...Option) *Assembler {
	a := &Assembler{
		members:  members,
		modified: time.Now(),
		crc:      crc32.NewIEEE(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.zw = zip.NewWriter(&a.sink)
	return a
}

// Next returns the next slice of archive bytes, or io.EOF after the central directory.
// The slice is only valid until the following call.
func (a *Assembler) Next(ctx context.Context) ([]byte, error) {
	a.sink.Reset()

	for {
		switch a.state {
		case stateDone:
			return nil, io.EOF
		case stateFailed:
			return nil, a.err
		}

		if err := a.step(ctx); err != nil {
			a.fail(err)
			return nil, a.err
		}

		if a.sink.Len() > 0 {
			a.emitted += int64(a.sink.Len())
			return a.sink.Bytes(), nil
		}
	}
}

// Members returns the bookkeeping of the members written so far.
func (a *Assembler) Members() []MemberInfo {
	return a.infos
}

// Emitted returns the number of archive bytes handed out so far.
func (a *Assembler) Emitted() int64 {
	return a.emitted
}

// Close releases every member source that was not fully consumed. The returned error also
// covers failures closing the sources that were read to the end.
func (a *Assembler) Close() error {
	errs := a.closeErrs
	a.closeErrs = nil
	for i := a.index; i < len(a.members); i++ {
		if err := a.members[i].Source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", a.members[i].Name, err))
		}
	}
	a.index = len(a.members)
	if a.state != stateDone {
		a.fail(errors.New("assembler closed"))
	}
	return errors.Join(errs...)
}

func (a *Assembler) step(ctx context.Context) error {
	switch a.state {
	case stateNextMember:
		if a.index >= len(a.members) {
			a.state = stateTrailer
			return nil
		}
		return a.openMember()
	case stateBody:
		return a.copyChunk(ctx)
	case stateTrailer:
		if err := a.zw.Close(); err != nil {
			return fmt.Errorf("write central directory: %w", err)
		}
		a.state = stateDone
		return nil
	}
	return fmt.Errorf("unexpected assembler state: %s", a.state)
}

func (a *Assembler) openMember() error {
	m := a.members[a.index]
	header := &zip.FileHeader{
		Name:     m.Name,
		Method:   zip.Store,
		Modified: a.modified,
	}
	w, err := a.zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("write header of %s: %w", m.Name, err)
	}

	a.body = w
	a.crc.Reset()
	a.current = MemberInfo{Name: m.Name}
	a.state = stateBody
	return a.zw.Flush()
}

func (a *Assembler) copyChunk(ctx context.Context) error {
	m := a.members[a.index]
	chunk, err := m.Source.Next(ctx)
	if errors.Is(err, io.EOF) {
		// The data descriptor is written by the zip writer when the next header or the trailer starts.
		a.current.CRC32 = a.crc.Sum32()
		a.infos = append(a.infos, a.current)
		a.index++
		a.body = nil
		a.state = stateNextMember
		if err := m.Source.Close(); err != nil {
			a.closeErrs = append(a.closeErrs, fmt.Errorf("close %s: %w", m.Name, err))
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read member %s: %w", m.Name, err)
	}

	if _, err := a.body.Write(chunk); err != nil {
		return fmt.Errorf("write member %s: %w", m.Name, err)
	}
	a.crc.Write(chunk)
	a.current.Size += int64(len(chunk))
	a.current.Chunks++
	return a.zw.Flush()
}

func (a *Assembler) fail(err error) {
	if a.state == stateFailed {
		return
	}
	a.state = stateFailed
	a.err = err
	a.sink.Reset()
}
