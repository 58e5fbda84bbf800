package tap

import (
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// maxIngestBody caps one forwarded batch.
const maxIngestBody = 8 << 20

// ingestEvent is the JSON shape an in-page observer forwards. Data is the
// raw payload as a string, since page code sees frames as text.
type ingestEvent struct {
	Kind Kind   `json:"kind"`
	URL  string `json:"url"`
	Name string `json:"name"`
	Data string `json:"data"`
	At   int64  `json:"at"` // ms since epoch, optional
}

// IngestHandler accepts raw events forwarded by an observer running inside
// the host page and publishes them to hub. The body is a single event object
// or an array of them.
func IngestHandler(hub *Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		var batch []ingestEvent
		if err := json.Unmarshal(body, &batch); err != nil {
			var single ingestEvent
			if err := json.Unmarshal(body, &single); err != nil {
				http.Error(w, "invalid event json", http.StatusBadRequest)
				return
			}
			batch = []ingestEvent{single}
		}

		accepted := 0
		for _, ev := range batch {
			if ev.Kind == "" {
				continue
			}
			at := time.Now()
			if ev.At > 0 {
				at = time.UnixMilli(ev.At)
			}
			hub.Publish(Event{Kind: ev.Kind, URL: ev.URL, Name: ev.Name, Data: []byte(ev.Data), At: at})
			accepted++
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]int{"accepted": accepted})
	})
}
