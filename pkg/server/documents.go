package server

import (
	"encoding/json"
	"net/http"

	serverErrors "github.com/streamcache/streamcache/pkg/server/errors"
)

type InsertDocumentsResponse struct {
	IDs []string `json:"ids"`
}

// InsertDocuments adds the JSON array of objects in the body to the collection.
func (s *Server) InsertDocuments(w http.ResponseWriter, r *http.Request) {
	if s.documents == nil {
		s.writeError(w, r, serverErrors.NotImplemented("the datastore does not accept document writes"))
		return
	}

	var docs []json.RawMessage
	if err := s.decodeBody(w, r, &docs); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(docs) == 0 {
		s.writeError(w, r, serverErrors.InvalidArgument("no documents to insert"))
		return
	}

	ids, err := s.documents.InsertDocuments(r.Context(), r.PathValue("collection"), docs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, InsertDocumentsResponse{IDs: ids})
}
