package agency

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Server exposes a Store over the same HTTP surface Client consumes.
// It backs cmd/agencyd and the integration tests.
type Server struct {
	store *Store
	log   *slog.Logger
}

// NewServer wraps store with HTTP handlers.
func NewServer(store *Store, log *slog.Logger) *Server {
	return &Server{store: store, log: log.With("topic", "agency")}
}

// Mux returns the request multiplexer for the agency API.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/_api/agency/read", s.handleRead(false))
	mux.HandleFunc("/_api/agency/read-transient", s.handleRead(true))
	mux.HandleFunc("/_api/agency/write", s.handleWrite(false))
	mux.HandleFunc("/_api/agency/transient", s.handleWrite(true))
	mux.HandleFunc("/_api/agency/config", s.handleConfig)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) handleRead(transient bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var pathLists [][]string
		if err := json.NewDecoder(r.Body).Decode(&pathLists); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		results := make([]any, 0, len(pathLists))
		for _, paths := range pathLists {
			if len(paths) != 1 {
				http.Error(w, "each read must name exactly one path", http.StatusBadRequest)
				return
			}
			var node *Node
			if transient {
				node, _ = s.store.ReadTransient(r.Context(), paths[0])
			} else {
				node, _ = s.store.ReadTree(r.Context(), paths[0])
			}
			results = append(results, node.Value())
		}
		writeJSON(w, results)
	}
}

func (s *Server) handleWrite(transient bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var envelopes [][]any
		if err := json.NewDecoder(r.Body).Decode(&envelopes); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		trxs := make([]Transaction, 0, len(envelopes))
		for _, envelope := range envelopes {
			trx, err := decodeTransaction(envelope)
			if err != nil {
				s.log.Warn("rejecting malformed transaction", "error", err)
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			trxs = append(trxs, trx)
		}
		var res WriteResult
		if transient {
			// The transient endpoint still takes one transaction per
			// envelope; apply them independently like a general write.
			res = WriteResult{Accepted: true}
			for _, trx := range trxs {
				one, _ := s.store.Transient(r.Context(), trx)
				res.Indices = append(res.Indices, one.Indices...)
			}
		} else {
			res, _ = s.store.GeneralTransaction(r.Context(), trxs)
		}
		writeJSON(w, writeResponse{Results: res.Indices})
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, configResponse{
		Leading:     s.store.Leading(),
		LeaderSince: s.store.LeaderSince(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
