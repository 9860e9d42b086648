package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/sigbridge/internal/api"
	"github.com/g960059/sigbridge/internal/model"
)

// watchHandler streams connection snapshots as JSONL. The stream opens with one
// "snapshot" line per known state matching the filter and then emits an
// "update" line for every applied write. once=1 stops after the snapshots.
func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	filter, filters, apiErr := parseFilter(q)
	if apiErr != nil {
		apiErr.write(s, w)
		return
	}
	cursorStreamID, cursorSeq, hasCursor, err := parseCursor(q.Get("cursor"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid cursor")
		return
	}
	once := q.Get("once") == "1" || strings.EqualFold(q.Get("once"), "true")
	flusher, _ := w.(http.Flusher)

	// Subscribe before reading snapshots so no write falls between the two.
	updates, cancel := s.facade.Subscribe(filter)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	generatedAt := time.Now().UTC()
	emit := func(typ string, st *model.ConnectionState) error {
		seq := s.nextSequence()
		line := api.WatchLine{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   generatedAt,
			EmittedAt:     time.Now().UTC(),
			StreamID:      s.streamID,
			Cursor:        fmt.Sprintf("%s:%d", s.streamID, seq),
			Type:          typ,
			Sequence:      seq,
			Filters:       filters,
		}
		if st != nil {
			view := toConnectionState(*st)
			line.State = &view
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	if hasCursor && (cursorStreamID != s.streamID || cursorSeq < s.sequence.Load()) {
		if err := emit("reset", nil); err != nil {
			return
		}
	}
	seen := map[model.StateKey]int64{}
	for _, st := range s.facade.States(filter) {
		seen[st.Key()] = st.Version
		if err := emit("snapshot", &st); err != nil {
			return
		}
	}
	if once {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			// Writes already covered by the initial snapshot are skipped.
			if v, covered := seen[st.Key()]; covered && st.Version <= v {
				continue
			}
			if err := emit("update", &st); err != nil {
				s.log.Debug().Err(err).Msg("watch client gone")
				return
			}
		}
	}
}

func parseCursor(raw string) (string, int64, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, false, nil
	}
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return "", 0, false, fmt.Errorf("invalid cursor format")
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || seq < 0 {
		return "", 0, false, fmt.Errorf("invalid cursor sequence")
	}
	return parts[0], seq, true, nil
}
