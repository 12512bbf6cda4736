package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emirkrhan/fable/pkg/board"
	"github.com/emirkrhan/fable/pkg/changes"
	"github.com/emirkrhan/fable/pkg/storage"
)

// =============================================================================
// Board Persistence
// =============================================================================

func (s *Server) loadBoard(id string) (board.Board, error) {
	data, err := s.store.Get(storage.BucketBoards, id)
	if err != nil {
		return board.Board{}, err
	}
	var b board.Board
	if err := json.Unmarshal(data, &b); err != nil {
		return board.Board{}, fmt.Errorf("decode board %s: %w", id, err)
	}
	if b.Nodes == nil {
		b.Nodes = []board.Node{}
	}
	if b.Edges == nil {
		b.Edges = []board.Edge{}
	}
	return b, nil
}

func (s *Server) storeBoard(b board.Board) error {
	b.UpdatedAt = s.clock.Now().UTC()
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode board %s: %w", b.ID, err)
	}
	return s.store.Put(storage.BucketBoards, b.ID, data)
}

// writeStoreError maps storage errors to responses.
func (s *Server) writeStoreError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, what+" not found", err)
	case errors.Is(err, storage.ErrInvalidID):
		s.writeError(w, http.StatusBadRequest, "invalid "+what+" id", err)
	case errors.Is(err, storage.ErrStorageClosed):
		s.writeError(w, http.StatusServiceUnavailable, "storage unavailable", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "storage error", err)
	}
}

// =============================================================================
// Board Handlers
// =============================================================================

type boardSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"ownerId"`
}

func (s *Server) handleListBoards(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.Keys(storage.BucketBoards)
	if err != nil {
		s.writeStoreError(w, "board", err)
		return
	}
	sort.Strings(ids)
	owner := r.URL.Query().Get("owner")

	out := make([]boardSummary, 0, len(ids))
	for _, id := range ids {
		b, err := s.loadBoard(id)
		if err != nil {
			s.writeStoreError(w, "board", err)
			return
		}
		if owner != "" && b.OwnerID != owner {
			continue
		}
		out = append(out, boardSummary{ID: b.ID, Name: b.Name, OwnerID: b.OwnerID})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type createBoardRequest struct {
	Name    string       `json:"name"`
	OwnerID string       `json:"ownerId"`
	Nodes   []board.Node `json:"nodes"`
	Edges   []board.Edge `json:"edges"`
}

func (s *Server) handleCreateBoard(w http.ResponseWriter, r *http.Request) {
	var req createBoardRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Untitled board"
	}

	content := board.Snapshot{Nodes: req.Nodes, Edges: req.Edges}.Clean()
	b := board.Board{
		ID:      uuid.NewString(),
		Name:    name,
		OwnerID: req.OwnerID,
		Nodes:   content.Nodes,
		Edges:   content.Edges,
	}

	s.writeMu.Lock()
	err := s.storeBoard(b)
	s.writeMu.Unlock()
	if err != nil {
		s.writeStoreError(w, "board", err)
		return
	}

	created, err := s.loadBoard(b.ID)
	if err != nil {
		s.writeStoreError(w, "board", err)
		return
	}
	s.logger.WithFields(logrus.Fields{"board": b.ID, "owner": b.OwnerID}).Info("board created")
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	b, err := s.loadBoard(chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, "board", err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRenameBoard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	id := chi.URLParam(r, "id")
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	b, err := s.loadBoard(id)
	if err != nil {
		s.writeStoreError(w, "board", err)
		return
	}
	b.Name = name
	if err := s.storeBoard(b); err != nil {
		s.writeStoreError(w, "board", err)
		return
	}
	s.writeJSON(w, http.StatusOK, boardSummary{ID: b.ID, Name: b.Name, OwnerID: b.OwnerID})
}

func (s *Server) handleDeleteBoard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.store.Get(storage.BucketBoards, id); err != nil {
		s.writeStoreError(w, "board", err)
		return
	}
	if err := s.store.Delete(storage.BucketBoards, id); err != nil {
		s.writeStoreError(w, "board", err)
		return
	}
	s.logger.WithField("board", id).Info("board deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleSaveContent replaces a board's nodes and edges. Saving content for an
// unknown id creates the board.
func (s *Server) handleSaveContent(w http.ResponseWriter, r *http.Request) {
	var content board.Snapshot
	if !s.decodeBody(w, r, &content) {
		return
	}
	content = content.Clean()

	id := chi.URLParam(r, "id")
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	b, err := s.loadBoard(id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		b = board.Board{ID: id, Name: "Untitled board"}
	case err != nil:
		s.writeStoreError(w, "board", err)
		return
	}
	b.Nodes = content.Nodes
	b.Edges = content.Edges
	if err := s.storeBoard(b); err != nil {
		s.writeStoreError(w, "board", err)
		return
	}
	s.logger.WithFields(logrus.Fields{
		"board": id,
		"nodes": len(b.Nodes),
		"edges": len(b.Edges),
	}).Debug("board content saved")
	w.WriteHeader(http.StatusNoContent)
}

type applyChangesRequest struct {
	Changes []changes.Patch `json:"changes"`
}

// handleApplyChanges applies merged patches in order. The whole batch is
// rejected with 409 when a patch updates an entity the board does not have.
func (s *Server) handleApplyChanges(w http.ResponseWriter, r *http.Request) {
	var req applyChangesRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	b, err := s.loadBoard(id)
	if err != nil {
		s.writeStoreError(w, "board", err)
		return
	}
	updated, err := changes.Apply(b.Snapshot(), req.Changes)
	switch {
	case errors.Is(err, changes.ErrUnknownEntity):
		s.writeError(w, http.StatusConflict, err.Error(), err)
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err.Error(), err)
		return
	}
	b.Nodes = updated.Nodes
	b.Edges = updated.Edges
	if err := s.storeBoard(b); err != nil {
		s.writeStoreError(w, "board", err)
		return
	}
	s.logger.WithFields(logrus.Fields{"board": id, "patches": len(req.Changes)}).Debug("board changes applied")
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// User Handlers
// =============================================================================

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := s.store.Get(storage.BucketUsers, id)
	if err != nil {
		s.writeStoreError(w, "user", err)
		return
	}
	var u board.User
	if err := json.Unmarshal(data, &u); err != nil {
		s.writeError(w, http.StatusInternalServerError, "corrupt user record", err)
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}

func (s *Server) handlePutUser(w http.ResponseWriter, r *http.Request) {
	var u board.User
	if !s.decodeBody(w, r, &u) {
		return
	}
	u.ID = chi.URLParam(r, "id")

	data, err := json.Marshal(u)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "encode user", err)
		return
	}
	if err := s.store.Put(storage.BucketUsers, u.ID, data); err != nil {
		s.writeStoreError(w, "user", err)
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}
