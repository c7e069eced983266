package ingest

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/jmylchreest/trackdeck/internal/playback"
)

// Writer is a playback.FrameSink that writes each delivery as a feed
// record, so played-back output can be fed straight back into Feed.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
	n   int
	err error
}

var _ playback.FrameSink = (*Writer)(nil)

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Deliver implements playback.FrameSink. After the first write error
// further deliveries are dropped; see Err.
func (w *Writer) Deliver(deliveries []playback.Delivery) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range deliveries {
		if w.err != nil {
			return
		}
		rec, err := recordFromDelivery(d)
		if err != nil {
			w.err = err
			return
		}
		if err := w.enc.Encode(rec); err != nil {
			w.err = err
			return
		}
		w.n++
	}
}

// Written returns the number of records written.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Err returns the first write error.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func recordFromDelivery(d playback.Delivery) (*Record, error) {
	var raw json.RawMessage
	typ := ""
	if d.Frame.Payload != nil {
		data, err := json.Marshal(d.Frame.Payload)
		if err != nil {
			return nil, err
		}
		raw = data
		typ = d.Frame.Payload.TypeName()
	}
	ts := d.Frame.Timestamp
	rec := &Record{
		Kind:    KindFrame,
		Source:  d.Key.Source,
		Name:    d.Key.Name,
		Type:    typ,
		T:       &ts,
		Payload: raw,
	}
	if d.Static {
		rec.Kind = KindStatic
	} else {
		idx := d.Index
		rec.Index = &idx
	}
	return rec, nil
}
