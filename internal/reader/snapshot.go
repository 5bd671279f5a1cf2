package reader

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"

	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/marshal"
	"go.klb.dev/handoff/internal/provider"
)

// Item is one copied format of a Snapshot. A format whose copy failed keeps
// its place and reports Err on every fetch.
type Item struct {
	Info  provider.EntryInfo
	Bytes []byte
	Err   error
}

// Snapshot owns copies of every format it lists.
type Snapshot struct {
	items []Item
}

// NewSnapshot returns a reader over items, copying their bytes.
func NewSnapshot(items ...Item) *Snapshot {
	s := &Snapshot{items: make([]Item, len(items))}
	for i, it := range items {
		it.Bytes = bytes.Clone(it.Bytes)
		s.items[i] = it
	}
	return s
}

// Copy reads every format of r on pool and returns a Snapshot. A failing
// format is recorded with its error and does not abort its siblings; only
// cancellation of ctx fails the copy as a whole.
func Copy(ctx context.Context, r Reader, pool *marshal.Pool) (*Snapshot, error) {
	ids, err := r.Formats(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		info, _ := r.Info(id)
		if info.Format == "" {
			info.Format = id
		}
		items[i].Info = info
		wg.Add(1)
		err := pool.Go(ctx, func() {
			defer wg.Done()
			items[i].Bytes, items[i].Err = fetchAll(ctx, r, id)
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return nil, err
		}
	}
	wg.Wait()
	if err := errs.FromContext(ctx); err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Err != nil {
			slog.Debug("snapshot format failed", "format", it.Info.Format, "err", it.Err)
		}
	}
	return &Snapshot{items: items}, nil
}

// fetchAll drains id through Stream so that a virtual file is produced on
// the calling pool job instead of taking a second pool slot for its pipe.
func fetchAll(ctx context.Context, r Reader, id format.ID) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.Stream(ctx, id, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Snapshot) item(id format.ID) (Item, bool) {
	for _, it := range s.items {
		if it.Info.Format == id {
			return it, true
		}
	}
	return Item{}, false
}

func (s *Snapshot) Formats(context.Context) ([]format.ID, error) {
	out := make([]format.ID, len(s.items))
	for i, it := range s.items {
		out[i] = it.Info.Format
	}
	return out, nil
}

func (s *Snapshot) Info(id format.ID) (provider.EntryInfo, bool) {
	it, ok := s.item(id)
	return it.Info, ok
}

func (s *Snapshot) Fetch(ctx context.Context, id format.ID) (provider.Data, error) {
	if err := errs.FromContext(ctx); err != nil {
		return provider.Data{}, err
	}
	it, ok := s.item(id)
	if !ok {
		return provider.Data{}, errs.NotFound("format %q", id)
	}
	if it.Err != nil {
		return provider.Data{}, it.Err
	}
	if it.Info.Virtual {
		return provider.Data{Format: id, Reader: io.NopCloser(bytes.NewReader(it.Bytes))}, nil
	}
	return provider.Data{Format: id, Bytes: bytes.Clone(it.Bytes)}, nil
}

func (s *Snapshot) Stream(ctx context.Context, id format.ID, w io.Writer) error {
	d, err := s.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if d.Reader != nil {
		defer d.Close()
		_, err = io.Copy(w, d.Reader)
		return err
	}
	_, err = w.Write(d.Bytes)
	return err
}

// Errors returns the copy errors by format. It is empty when every format
// was copied.
func (s *Snapshot) Errors() map[format.ID]error {
	out := make(map[format.ID]error)
	for _, it := range s.items {
		if it.Err != nil {
			out[it.Info.Format] = it.Err
		}
	}
	return out
}
